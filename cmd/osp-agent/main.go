package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"ospagent/internal/agentcert"
	"ospagent/internal/auth"
	"ospagent/internal/demux"
	"ospagent/internal/discovery"
	"ospagent/internal/endpoint"
	"ospagent/internal/ospcore"
	"ospagent/internal/protoconn"
	"ospagent/internal/quicfactory"
	"ospagent/internal/wire"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runServe(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "fingerprint":
		return runFingerprint(args[1:], stdout, stderr)
	case "connect":
		return runConnect(args[1:], stdout, stderr)
	case "pair":
		return runPair(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: osp-agent <run|status|fingerprint|connect|pair> [args]")
	fmt.Fprintln(w, "  run        --addr <ip:port> [--debug]")
	fmt.Fprintln(w, "  status")
	fmt.Fprintln(w, "  fingerprint")
	fmt.Fprintln(w, "  connect    --addr <ip:port> --name <instance> --fingerprint <b64> [--token <t>]")
	fmt.Fprintln(w, "  pair       [--addr <ip:port>] [--token <t>]")
}

func homeDir() string {
	if d := os.Getenv("OSP_HOME"); d != "" {
		return d
	}
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".ospagent")
}

func loadCert(root string) (*agentcert.Cert, error) {
	chainPEM, err := os.ReadFile(filepath.Join(root, "cert.pem"))
	if err != nil {
		return nil, ospcore.Wrap(ospcore.Credential, "load cert.pem failed", err)
	}
	keyDER, err := os.ReadFile(filepath.Join(root, "key.der"))
	if err != nil {
		return nil, ospcore.Wrap(ospcore.Credential, "load key.der failed", err)
	}
	return agentcert.New(chainPEM, keyDER)
}

// blockUntilSignal blocks until SIGINT/SIGTERM, for `run`'s foreground
// server loop.
func blockUntilSignal(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}
}

type serverObserver struct {
	stdout io.Writer
}

func (o *serverObserver) OnRunning() { fmt.Fprintln(o.stdout, "READY") }
func (o *serverObserver) OnStopped() { fmt.Fprintln(o.stdout, "STOPPED") }
func (o *serverObserver) OnIncomingConnection(instanceID uint64, remoteAddr string) {
	fmt.Fprintf(o.stdout, "INCOMING instance=%d addr=%s\n", instanceID, remoteAddr)
}
func (o *serverObserver) OnConnectionFailed(requestID uint64, err error) {
	fmt.Fprintf(o.stdout, "CONNECT_FAILED request=%d err=%v\n", requestID, err)
}

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "", "listen addr (host:port)")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *addr == "" {
		fmt.Fprintln(stderr, "missing --addr")
		return 1
	}
	if *debug {
		_ = os.Setenv("OSP_DEBUG", "1")
	}

	root := homeDir()
	cert, err := loadCert(root)
	if err != nil {
		fmt.Fprintf(stderr, "load agent certificate failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "fingerprint=%s\n", cert.Fingerprint())

	factory := quicfactory.New(0)
	demuxer := demux.New()
	obs := &serverObserver{stdout: stdout}
	ep := endpoint.New(endpoint.RoleServer, cert, factory, demuxer, obs)
	ep.SetDiscoveryTracker(discovery.NewPoolFromConfig())

	if err := ep.Start(*addr); err != nil {
		fmt.Fprintf(stderr, "start failed: %v\n", err)
		return 1
	}
	blockUntilSignal(context.Background())
	_ = ep.Stop()
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	root := homeDir()
	cert, err := loadCert(root)
	if err != nil {
		fmt.Fprintf(stdout, "status: certificate unavailable: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "Local agent summary:")
	fmt.Fprintf(stdout, "  fingerprint: %s\n", cert.Fingerprint())
	return 0
}

func runFingerprint(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("fingerprint", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cert, err := loadCert(homeDir())
	if err != nil {
		fmt.Fprintf(stderr, "load agent certificate failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, cert.Fingerprint())
	return 0
}

func runConnect(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("connect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "", "remote addr (host:port)")
	name := fs.String("name", "", "remote instance name")
	fingerprint := fs.String("fingerprint", "", "remote agent fingerprint (base64)")
	token := fs.String("token", "", "initiation token")
	password := fs.String("psk", "", "pre-shared key entered by the user")
	timeout := fs.Duration("timeout", 10*time.Second, "handshake timeout")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *addr == "" || *name == "" || *fingerprint == "" {
		fmt.Fprintln(stderr, "missing --addr, --name or --fingerprint")
		return 1
	}

	root := homeDir()
	cert, err := loadCert(root)
	if err != nil {
		fmt.Fprintf(stderr, "load agent certificate failed: %v\n", err)
		return 1
	}

	factory := quicfactory.New(0)
	demuxer := demux.New()
	obs := &serverObserver{stdout: stdout}
	ep := endpoint.New(endpoint.RoleClient, cert, factory, demuxer, obs)
	if err := ep.Start(""); err != nil {
		fmt.Fprintf(stderr, "start failed: %v\n", err)
		return 1
	}
	defer ep.Stop()

	done := make(chan error, 1)
	_, err = ep.Connect(context.Background(), *name, *fingerprint, *addr, func(pc *protoconn.Connection, instanceID uint64, connErr error) {
		if connErr != nil {
			done <- connErr
			return
		}
		recvKey := demux.StreamKey{InstanceID: instanceID, ProtocolConnectionID: pc.ID()}
		machine := auth.New(auth.RoleConsumer, instanceID, *token, *password, cert.Fingerprint(), pc, recvKey, authObserver{done: done}, ep.CheckWritable)
		demuxer.SetDefaultWatch(wire.TypeSpake2Handshake, machine)
		demuxer.SetDefaultWatch(wire.TypeSpake2Confirmation, machine)
		demuxer.SetDefaultWatch(wire.TypeStatus, machine)
	})
	if err != nil {
		fmt.Fprintf(stderr, "connect failed: %v\n", err)
		return 1
	}

	select {
	case err := <-done:
		if err != nil {
			fmt.Fprintf(stderr, "authentication failed: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, "AUTHENTICATED")
		return 0
	case <-time.After(*timeout):
		fmt.Fprintln(stderr, "timed out waiting for authentication")
		return 1
	}
}

// pairPresenter wires one freshly admitted stream to a presenter Machine
// keyed off the PSK generated for this pairing session, and starts it the
// moment the stream's protocol connection exists.
type pairPresenter struct {
	cert     *agentcert.Cert
	token    string
	psk      string
	demuxer  *demux.Demuxer
	writable func() error
	done     chan error
}

func (p *pairPresenter) OnIncomingStream(pc *protoconn.Connection) {
	recvKey := demux.StreamKey{InstanceID: pc.InstanceID(), ProtocolConnectionID: pc.ID()}
	machine := auth.New(auth.RolePresenter, pc.InstanceID(), p.token, p.psk, p.cert.Fingerprint(), pc, recvKey, authObserver{done: p.done}, p.writable)
	p.demuxer.SetDefaultWatch(wire.TypeSpake2Handshake, machine)
	p.demuxer.SetDefaultWatch(wire.TypeSpake2Confirmation, machine)
	p.demuxer.SetDefaultWatch(wire.TypeStatus, machine)
	if err := machine.Start(); err != nil {
		p.done <- err
	}
}

func runPair(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("pair", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", ":0", "listen addr (host:port) for this pairing session")
	token := fs.String("token", "", "initiation token the peer must present")
	timeout := fs.Duration("timeout", 2*time.Minute, "how long to wait for a peer before giving up")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	root := homeDir()
	cert, err := loadCert(root)
	if err != nil {
		fmt.Fprintf(stderr, "load agent certificate failed: %v\n", err)
		return 1
	}
	psk, err := auth.GeneratePSK()
	if err != nil {
		fmt.Fprintf(stderr, "psk generation failed: %v\n", err)
		return 1
	}
	store := auth.NewPSKStore(filepath.Join(root, "psk.sealed"))
	if err := store.Save(psk, cert); err != nil {
		fmt.Fprintf(stderr, "psk store failed: %v\n", err)
		return 1
	}

	factory := quicfactory.New(0)
	demuxer := demux.New()
	obs := &serverObserver{stdout: stdout}
	ep := endpoint.New(endpoint.RoleServer, cert, factory, demuxer, obs)
	done := make(chan error, 1)
	ep.SetStreamObserver(&pairPresenter{
		cert:     cert,
		token:    *token,
		psk:      psk,
		demuxer:  demuxer,
		writable: ep.CheckWritable,
		done:     done,
	})
	if err := ep.Start(*addr); err != nil {
		fmt.Fprintf(stderr, "start failed: %v\n", err)
		return 1
	}
	defer ep.Stop()

	fmt.Fprintf(stdout, "Show this code to the peer: %s\n", psk)
	fmt.Fprintln(stdout, "Waiting for an incoming connection to authenticate against it...")

	select {
	case err := <-done:
		if err != nil {
			fmt.Fprintf(stderr, "authentication failed: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, "AUTHENTICATED")
		return 0
	case <-time.After(*timeout):
		fmt.Fprintln(stderr, "timed out waiting for a peer")
		return 1
	}
}

type authObserver struct {
	done chan error
}

func (o authObserver) OnAuthenticationSucceed(peerInstanceID uint64) {
	o.done <- nil
}

func (o authObserver) OnAuthenticationFailed(peerInstanceID uint64, err error) {
	o.done <- err
}
