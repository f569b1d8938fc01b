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

var uploadTimeout int

var uploadCmd = &cobra.Command{
	Use:   "upload <output.bin>",
	Short: "Read the firmware image back from the device",
	Long: `Upload the device's current firmware image and write it to a file.

The device decides where the image ends; the transfer stops on the first
short block. Requires a device that advertises upload capability.`,
	Args: cobra.ExactArgs(1),
	RunE: runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)
	uploadCmd.Flags().IntVar(&uploadTimeout, "timeout", 300, "Overall session timeout in seconds")
}

func runUpload(cmd *cobra.Command, args []string) error {
	tr, connInfo, err := OpenTransport()
	if err != nil {
		return err
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(uploadTimeout)*time.Second)
	defer cancel()

	desc, err := tr.Describe(ctx)
	if err != nil {
		return fmt.Errorf("descriptor query failed: %v", err)
	}
	if !desc.Attributes.CanUpload() {
		return fmt.Errorf("device does not support upload (capabilities: %s)", desc.Attributes)
	}

	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Reading in %d byte blocks...\n", desc.TransferSize)

	init := dfu.NewInitiator(tr, desc)
	init.Progress = func(ev dfu.ProgressEvent) {
		fmt.Printf("\rblock %4d  %d bytes", ev.Block, ev.BytesDone)
	}

	image, err := init.Upload(ctx)
	fmt.Println()
	if err != nil {
		return fmt.Errorf("upload failed: %v", err)
	}

	if err := os.WriteFile(args[0], image, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %v", args[0], err)
	}

	stats := init.Stats()
	fmt.Printf("Upload complete: %d bytes written to %s\n", len(image), args[0])
	fmt.Printf("Session: %s\n", stats.Summary())
	return nil
}
