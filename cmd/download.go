// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Emberfield Labs

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/emberfield/dfutool/pkg/dfu"
)

var (
	downloadTimeout int
	downloadTUI     bool
)

var downloadCmd = &cobra.Command{
	Use:   "download <image.bin>",
	Short: "Flash a firmware image to the device",
	Long: `Download a firmware image to the connected device and drive it through
manifestation.

The image is sent in chunks sized to the device's advertised transfer size.
On manifestation-tolerant devices the command waits until the device is back
in dfuIDLE; devices that reset to run the new image are reported as a
successful disconnect.

With --tui, progress is shown in a full-screen terminal UI instead of plain
log lines.`,
	Args: cobra.ExactArgs(1),
	RunE: runDownload,
}

func init() {
	rootCmd.AddCommand(downloadCmd)
	downloadCmd.Flags().IntVar(&downloadTimeout, "timeout", 300, "Overall session timeout in seconds")
	downloadCmd.Flags().BoolVar(&downloadTUI, "tui", false, "Show progress in a terminal UI")
}

func runDownload(cmd *cobra.Command, args []string) error {
	image, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read image: %v", err)
	}
	if len(image) == 0 {
		return fmt.Errorf("image %s is empty", args[0])
	}

	tr, connInfo, err := OpenTransport()
	if err != nil {
		return err
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(downloadTimeout)*time.Second)
	defer cancel()

	desc, err := tr.Describe(ctx)
	if err != nil {
		return fmt.Errorf("descriptor query failed: %v", err)
	}
	if !desc.Attributes.CanDownload() {
		return fmt.Errorf("device does not support download (capabilities: %s)", desc.Attributes)
	}

	init := dfu.NewInitiator(tr, desc)

	if downloadTUI {
		return runDownloadTUI(ctx, init, connInfo, args[0], image)
	}

	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Image: %s (%d bytes, %d byte blocks)\n\n", args[0], len(image), desc.TransferSize)

	init.Progress = func(ev dfu.ProgressEvent) {
		switch ev.Phase {
		case "download":
			fmt.Printf("\rblock %4d  %d/%d bytes", ev.Block, ev.BytesDone, ev.BytesTotal)
		case "manifest":
			fmt.Printf("\rmanifesting (%s)          ", ev.State)
		}
	}

	stats, err := init.Download(ctx, image)
	fmt.Println()
	if err != nil {
		return fmt.Errorf("download failed: %v", err)
	}

	fmt.Printf("Download complete: %s\n", stats.Summary())
	return nil
}
