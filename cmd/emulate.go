// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Emberfield Labs

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/emberfield/dfutool/pkg/dfuemu"
)

var (
	emulateProfile string
	emulateListen  string
	emulatePath    string
)

var emulateCmd = &cobra.Command{
	Use:   "emulate",
	Short: "Emulate a device behind a WebSocket bridge",
	Long: `Serve an emulated firmware-update device over WebSocket.

The device's capabilities, storage, and fault injection are described by a
YAML profile. Each WebSocket connection gets a fresh device session, so a
host can run repeated download/upload cycles against it.

Useful for exercising host tooling without hardware, and for rehearsing
failure handling with injected faults.`,
	RunE: runEmulate,
}

func init() {
	rootCmd.AddCommand(emulateCmd)
	emulateCmd.Flags().StringVar(&emulateProfile, "profile", "", "Device profile YAML (required)")
	emulateCmd.Flags().StringVar(&emulateListen, "listen", ":8573", "Listen address")
	emulateCmd.Flags().StringVar(&emulatePath, "path", "/dfu", "WebSocket endpoint path")
	emulateCmd.MarkFlagRequired("profile")
}

func runEmulate(cmd *cobra.Command, args []string) error {
	profile, err := dfuemu.LoadProfile(emulateProfile)
	if err != nil {
		return fmt.Errorf("profile load failed: %v", err)
	}
	if err := dfuemu.Validate(profile); err != nil {
		return fmt.Errorf("profile validation failed: %v", err)
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(emulatePath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "upgrade failed: %v\n", err)
			return
		}

		// One device session per connection
		em, err := dfuemu.New(profile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "emulator build failed: %v\n", err)
			conn.Close()
			return
		}

		fmt.Printf("session start: %s <- %s\n", em.Name(), r.RemoteAddr)
		if err := em.ServeConn(&WebSocketConnection{conn: conn}); err != nil {
			fmt.Fprintf(os.Stderr, "session error: %v\n", err)
		}
		fmt.Printf("session end: %s\n", r.RemoteAddr)
	})

	server := &http.Server{
		Addr:    emulateListen,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Emulating %q on ws://%s%s\n", profile.Device.Name, emulateListen, emulatePath)
	fmt.Println("Press Ctrl+C to stop")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
