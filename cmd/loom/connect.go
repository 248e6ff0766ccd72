package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"time"

	"github.com/wisbric/loom/pkg/tunnel"
	"github.com/wisbric/loom/pkg/wgkey"
)

const shutdownGrace = 5 * time.Second

// deviceCredentialPath is the on-disk location of the device-scoped API
// key, mirroring tunnel.DefaultKeyPath's layout (spec §9 "On-disk state").
func deviceCredentialPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".loom", "device-key"), nil
}

func persistDeviceCredential(path, rawKey string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating credential directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(rawKey+"\n"), 0600); err != nil {
		return fmt.Errorf("writing device credential %s: %w", path, err)
	}
	return nil
}

// runConnect is the "loom connect" subcommand (spec §4.6): bring up a
// client-side WireGuard tunnel to one weaver and hold it open until
// interrupted. CLI ergonomics beyond this single foreground workflow are
// intentionally out of scope; this wires pkg/tunnel and pkg/wgengine to a
// real session rather than building an interactive shell around them.
func runConnect(args []string) error {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	server := fs.String("server", "http://localhost:8080", "control-plane base URL")
	apiKey := fs.String("api-key", os.Getenv("LOOM_API_KEY"), "user API key, used only to enroll this device on first run")
	deviceName := fs.String("device-name", "", "name to enroll under on first run (defaults to hostname)")
	weaverID := fs.String("weaver-id", "", "weaver ID to connect to (required)")
	listenPort := fs.Uint("listen-port", 0, "local UDP port to bind (0 = ephemeral)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *weaverID == "" {
		return fmt.Errorf("connect: -weaver-id is required")
	}

	logger := slog.Default()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	keyPath, err := tunnel.DefaultKeyPath()
	if err != nil {
		return err
	}
	kp, err := tunnel.LoadOrCreateKey(keyPath)
	if err != nil {
		return fmt.Errorf("loading device key: %w", err)
	}

	// Sessions authenticate with a device-scoped API key minted at
	// enrollment (spec §6), never with a client-supplied device ID, so the
	// key is cached alongside the WireGuard keypair and only the initial
	// enrollment call uses the general-purpose -api-key.
	credPath, err := deviceCredentialPath()
	if err != nil {
		return err
	}
	deviceKey, err := os.ReadFile(credPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("reading device credential %s: %w", credPath, err)
		}
		if *apiKey == "" {
			return fmt.Errorf("connect: -api-key or LOOM_API_KEY is required to enroll this device")
		}
		name := *deviceName
		if name == "" {
			if h, err := os.Hostname(); err == nil {
				name = h
			} else {
				name = "loom-client"
			}
		}
		dev, rawKey, err := newAPIClient(*server, *apiKey).EnrollDevice(ctx, name, kp.Public.Base64())
		if err != nil {
			return fmt.Errorf("enrolling device: %w", err)
		}
		if err := persistDeviceCredential(credPath, rawKey); err != nil {
			return err
		}
		deviceKey = []byte(rawKey)
		logger.Info("connect: enrolled device", "device_id", dev, "name", name)
	}

	client := newAPIClient(*server, strings.TrimSpace(string(deviceKey)))

	sess, err := client.CreateSession(ctx, *weaverID)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	clientIP, err := netip.ParseAddr(sess.ClientIP)
	if err != nil {
		return fmt.Errorf("parsing client_ip %q: %w", sess.ClientIP, err)
	}
	weaverIP, err := netip.ParseAddr(sess.WeaverIP)
	if err != nil {
		return fmt.Errorf("parsing weaver_ip %q: %w", sess.WeaverIP, err)
	}
	weaverKey, err := wgkey.ParsePublicKey(sess.WeaverKey)
	if err != nil {
		return fmt.Errorf("parsing weaver_public_key: %w", err)
	}
	weaverWID, err := wgkey.ParseWeaverID(*weaverID)
	if err != nil {
		return fmt.Errorf("parsing weaver-id: %w", err)
	}
	sessionID, err := wgkey.ParseSessionID(sess.SessionID)
	if err != nil {
		return fmt.Errorf("parsing session_id: %w", err)
	}

	mgr := tunnel.New(client, logger)
	// NewDERP is left nil: the DERP wire protocol is a collaborator this
	// tunnel never implements directly (spec §1 "Out of scope"), so
	// connectivity here is direct-path only.
	if err := mgr.Start(ctx, tunnel.Config{
		PrivateKey: kp.Private,
		LocalIP:    clientIP,
		ListenPort: uint16(*listenPort),
		HomeRegion: sess.DERPHomeRegion,
		Server:     client,
		Logger:     logger,
	}); err != nil {
		return fmt.Errorf("starting tunnel: %w", err)
	}

	if err := mgr.AddWeaver(tunnel.SessionInfo{
		SessionID:  sessionID,
		WeaverID:   weaverWID,
		WeaverKey:  weaverKey,
		WeaverIP:   weaverIP,
		DERPRegion: sess.DERPHomeRegion,
	}); err != nil {
		_ = mgr.Shutdown(context.Background())
		return fmt.Errorf("adding weaver peer: %w", err)
	}

	st := mgr.Status()
	logger.Info("connect: tunnel up", "our_ip", st.OurIP.String(), "weaver_id", *weaverID, "weaver_ip", weaverIP.String())

	<-ctx.Done()
	logger.Info("connect: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	return mgr.Shutdown(shutdownCtx)
}
