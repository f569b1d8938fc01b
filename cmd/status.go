// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Emberfield Labs

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/emberfield/dfutool/pkg/dfu"
)

var statusTimeout int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query device state and status",
	Long: `Query the connected device: functional descriptor, current state, and
the last recorded status code.

Useful as a first check that the bootloader answers at all, and to see why a
previous session left the device in dfuERROR.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().IntVar(&statusTimeout, "timeout", 10, "Timeout in seconds")
}

func runStatus(cmd *cobra.Command, args []string) error {
	tr, connInfo, err := OpenTransport()
	if err != nil {
		return err
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(statusTimeout)*time.Second)
	defer cancel()

	desc, err := tr.Describe(ctx)
	if err != nil {
		return fmt.Errorf("descriptor query failed: %v", err)
	}

	init := dfu.NewInitiator(tr, desc)
	rep, err := init.GetStatus(ctx)
	if err != nil {
		return fmt.Errorf("status query failed: %v", err)
	}

	fmt.Printf("Connection: %s\n\n", connInfo)
	fmt.Printf("Device capabilities: %s\n", desc.Attributes)
	fmt.Printf("  Transfer size:  %d bytes\n", desc.TransferSize)
	fmt.Printf("  Detach timeout: %d ms\n", desc.DetachTimeout)
	if desc.HasVersion {
		fmt.Printf("  DFU version:    %d.%d\n", desc.Version>>8, desc.Version&0xFF)
	}
	fmt.Printf("\nState:  %s\n", rep.State)
	fmt.Printf("Status: %s (%s)\n", rep.Status, rep.Status.Description())
	if rep.PollTimeout > 0 {
		fmt.Printf("Poll timeout: %d ms\n", rep.PollTimeout)
	}
	return nil
}
