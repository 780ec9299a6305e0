package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"

	"chunkcast/peer"
	"chunkcast/pkg/config"
	"chunkcast/pkg/logger"
)

var (
	servePort       int
	discoveryPort   int
	chunkDir        string
	downloadDir     string
	fileToShare     string
	fileToFetch     string
	peerInteractive bool
)

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Start a peer node",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()
		if cmd.Flags().Changed("serve-port") {
			cfg.ServePort = servePort
		}
		if cmd.Flags().Changed("discovery-port") {
			cfg.DiscoveryPort = discoveryPort
		}
		if cmd.Flags().Changed("chunk-dir") {
			cfg.ChunkDir = chunkDir
		}
		if cmd.Flags().Changed("download-dir") {
			cfg.DownloadDir = downloadDir
		}

		p, err := peer.New(cfg)
		if err != nil {
			logger.Sugar.Fatal("Error creating peer: ", err)
		}
		if err := p.Start(); err != nil {
			logger.Sugar.Fatal("Error starting peer: ", err)
		}

		if fileToShare != "" {
			if n, err := p.Share(fileToShare); err != nil {
				logger.Sugar.Errorf("Failed to share file: %v", err)
			} else {
				logger.Sugar.Infof("Sharing %s (%d chunks)", fileToShare, n)
			}
		}

		if fileToFetch != "" {
			if out, err := p.Fetch(fileToFetch); err != nil {
				logger.Sugar.Errorf("Failed to fetch file: %v", err)
			} else {
				logger.Sugar.Infof("Fetched %s to %s", fileToFetch, out)
			}
		}

		if peerInteractive {
			fmt.Println("chunkcast Peer Interactive Shell")
			fmt.Println("Type 'help' for commands.")

			prompt.New(
				func(in string) { peerExecutor(in, p) },
				peerCompleter,
				prompt.OptionPrefix("peer> "),
				prompt.OptionTitle("chunkcast Peer"),
			).Run()
		} else {
			select {}
		}
	},
}

func peerExecutor(in string, p *peer.Peer) {
	in = strings.TrimSpace(in)
	blocks := strings.Fields(in)
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping peer...")
		if err := p.Stop(); err != nil {
			fmt.Printf("Shutdown error: %v\n", err)
		}
		os.Exit(0)
	case "status":
		fmt.Println(p.Status())
	case "files":
		files := p.KnownFiles()
		if len(files) == 0 {
			fmt.Println("No files known yet.")
			return
		}
		fmt.Println("Known files:")
		for _, name := range files {
			fmt.Println("- " + name)
		}
	case "peers":
		if len(blocks) < 2 {
			fmt.Println("Usage: peers <file_name>")
			return
		}
		fmt.Print(p.Holders(blocks[1]))
	case "share":
		if len(blocks) < 2 {
			fmt.Println("Usage: share <file_path>")
			return
		}
		if n, err := p.Share(blocks[1]); err != nil {
			fmt.Printf("Error sharing file: %v\n", err)
		} else {
			fmt.Printf("Sharing %d chunks.\n", n)
		}
	case "fetch":
		if len(blocks) < 2 {
			fmt.Println("Usage: fetch <file_name>")
			return
		}
		if out, err := p.Fetch(blocks[1]); err != nil {
			fmt.Printf("Error fetching file: %v\n", err)
		} else {
			fmt.Printf("Saved to %s\n", out)
		}
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status             - Show peer status")
		fmt.Println("  files              - List files known from announcements")
		fmt.Println("  peers <name>       - List holders of a file's chunks")
		fmt.Println("  share <path>       - Split and announce a local file")
		fmt.Println("  fetch <name>       - Download a file from its holders")
		fmt.Println("  exit               - Stop peer and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func peerCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show peer status"},
		{Text: "files", Description: "List known files"},
		{Text: "peers", Description: "List holders of a file"},
		{Text: "share", Description: "Share a local file"},
		{Text: "fetch", Description: "Fetch a file by name"},
		{Text: "exit", Description: "Exit the peer"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(peerCmd)
	peerCmd.Flags().IntVarP(&servePort, "serve-port", "p", 5000, "TCP port to serve chunks on (0 picks a free port)")
	peerCmd.Flags().IntVar(&discoveryPort, "discovery-port", 5001, "UDP port for announcements")
	peerCmd.Flags().StringVar(&chunkDir, "chunk-dir", "chunks", "Directory for chunk files")
	peerCmd.Flags().StringVar(&downloadDir, "download-dir", "downloads", "Directory for stitched downloads")
	peerCmd.Flags().StringVarP(&fileToShare, "share", "s", "", "Path to a file to share immediately")
	peerCmd.Flags().StringVarP(&fileToFetch, "fetch", "f", "", "File name to fetch immediately")
	peerCmd.Flags().BoolVarP(&peerInteractive, "interactive", "i", false, "Start in interactive mode")
}
