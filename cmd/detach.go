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

var detachTimeoutMs uint16

var detachCmd = &cobra.Command{
	Use:   "detach",
	Short: "Switch a device from run-time mode into its bootloader",
	Long: `Send DETACH to a device running its application so it re-enumerates in
DFU mode.

Devices that advertise WILL_DETACH perform their own detach-attach sequence.
Other devices wait for a bus reset within the detach timeout; over a bridge
that usually means power-cycling the target.`,
	RunE: runDetach,
}

func init() {
	rootCmd.AddCommand(detachCmd)
	detachCmd.Flags().Uint16Var(&detachTimeoutMs, "detach-timeout", 1000, "wDetachTimeout in milliseconds")
}

func runDetach(cmd *cobra.Command, args []string) error {
	tr, connInfo, err := OpenTransport()
	if err != nil {
		return err
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	desc, err := tr.Describe(ctx)
	if err != nil {
		return fmt.Errorf("descriptor query failed: %v", err)
	}

	fmt.Printf("Connection: %s\n", connInfo)

	init := dfu.NewInitiator(tr, desc)
	st, err := init.GetState(ctx)
	if err != nil {
		return fmt.Errorf("state query failed: %v", err)
	}
	if st != dfu.StateAppIdle {
		return fmt.Errorf("device is in %s, DETACH needs appIDLE", st)
	}

	if err := init.Detach(ctx, detachTimeoutMs); err != nil {
		return fmt.Errorf("detach failed: %v", err)
	}

	if desc.Attributes.WillDetach() {
		fmt.Println("DETACH sent; device re-enumerates on its own")
	} else {
		fmt.Printf("DETACH sent; reset the device within %d ms\n", detachTimeoutMs)
	}
	return nil
}
