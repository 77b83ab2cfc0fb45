// Command clipshared is the ClipShare daemon: it loads configuration,
// stands up the insecure, secure, and UDP discovery entry points, and
// serves connections until asked to stop.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"syscall"
	"time"

	"github.com/clipshare/clipshare-server/clipshare/clipboard"
	"github.com/clipshare/clipshare-server/clipshare/config"
	"github.com/clipshare/clipshare-server/clipshare/discovery"
	"github.com/clipshare/clipshare-server/clipshare/dispatch"
	"github.com/clipshare/clipshare-server/clipshare/listener"
	"github.com/clipshare/clipshare-server/clipshare/log"
	"github.com/clipshare/clipshare-server/clipshare/proto"
	"github.com/clipshare/clipshare-server/clipshare/socket"
	"github.com/clipshare/clipshare-server/clipshare/tlsauth"
	"github.com/clipshare/clipshare-server/clipshare/version"
)

const defaultConfigLoc = `/etc/clipshare/clipshare.conf`

var (
	confLoc = flag.String("config-file", defaultConfigLoc, "Location for configuration file")
	verbose = flag.Bool("v", false, "Has no effect; status updates go to stderr and log_file")
	ver     = flag.Bool("version", false, "Print the version information and exit")

	lg *log.Logger
)

func mainInit() *config.Config {
	flag.Parse()
	if *ver {
		fmt.Println(version.String())
		os.Exit(0)
	}

	lg = log.New(os.Stderr) // DO NOT close this, it will prevent backtraces from firing
	lg.SetAppname("clipshared")

	cfg, err := config.Load(*confLoc, version.ProtocolMin, version.ProtocolMax)
	if err != nil {
		lg.FatalCode(1, "failed to load configuration", log.KV("path", *confLoc), log.KVErr(err))
	}

	if cfg.LogFile != "" {
		fout, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
		if err != nil {
			lg.FatalCode(1, "failed to open log file", log.KV("path", cfg.LogFile), log.KVErr(err))
		}
		if err := lg.AddWriter(fout); err != nil {
			lg.Fatal("failed to add log writer", log.KVErr(err))
		}
	}
	if cfg.LogLevel != "" {
		if err := lg.SetLevelString(cfg.LogLevel); err != nil {
			lg.FatalCode(1, "invalid Log_Level", log.KV("level", cfg.LogLevel), log.KVErr(err))
		}
	}
	return cfg
}

func main() {
	debug.SetTraceback("all")
	cfg := mainInit()

	lg.Info("clipshared starting", log.KV("version", version.String()), log.KV("workdir", cfg.WorkingDir))

	backend := clipboard.NewMemoryBackend()
	disp := dispatch.New(lg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var udpConn *net.UDPConn

	if cfg.InsecureModeEnabled {
		addr := net.JoinHostPort(cfg.BindAddrTCP, strconv.Itoa(int(cfg.AppPort)))
		l, err := listener.ListenInsecure(ctx, "tcp", addr)
		if err != nil {
			lg.FatalCode(1, "failed to start insecure listener", log.KV("addr", addr), log.KVErr(err))
		}
		lg.Info("insecure listener started", log.KV("addr", addr))
		go disp.ServeListener(l, handlerFor(cfg, backend))
	}

	if cfg.SecureModeEnabled {
		addr := net.JoinHostPort(cfg.BindAddrTCP, strconv.Itoa(int(cfg.AppPortSecure)))
		material := listener.TLSMaterial{
			CertFile: cfg.TLS.ServerCertBundle,
			KeyFile:  cfg.TLS.ServerCertBundle,
			CAFile:   cfg.TLS.CACert,
		}
		l, err := listener.ListenSecure(ctx, "tcp", addr, material)
		if err != nil {
			lg.FatalCode(1, "failed to start secure listener", log.KV("addr", addr), log.KVErr(err))
		}
		lg.Info("secure listener started", log.KV("addr", addr))
		allowed := tlsauth.NewAllowList(keys(cfg.TLS.AllowedClients))
		go disp.ServeListener(l, handlerForSecure(cfg, backend, allowed))
	}

	if cfg.UDPServerEnabled {
		addr := net.JoinHostPort(cfg.BindAddrUDP, strconv.Itoa(int(cfg.UDPPort)))
		var err error
		udpConn, err = listener.ListenUDP(ctx, "udp", addr)
		if err != nil {
			lg.FatalCode(1, "failed to start UDP discovery listener", log.KV("addr", addr), log.KVErr(err))
		}
		lg.Info("discovery responder started", log.KV("addr", addr))
		go discovery.Serve(udpConn, version.InfoName, lg)
	}

	waitForQuit()
	lg.Info("shutting down", log.KV("in-flight", disp.InFlight()))

	if udpConn != nil {
		udpConn.Close()
	}

	done := make(chan struct{})
	go func() {
		disp.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		lg.Error("timed out waiting for in-flight sessions to finish", log.KV("in-flight", disp.InFlight()))
	}
	lg.Info("clipshared exiting")
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func handlerFor(cfg *config.Config, backend clipboard.Backend) dispatch.Handler {
	return func(conn net.Conn) {
		sock := socket.New(conn, 0)
		runSession(cfg, backend, sock)
	}
}

func handlerForSecure(cfg *config.Config, backend clipboard.Backend, allowed tlsauth.AllowList) dispatch.Handler {
	return func(conn net.Conn) {
		tc, ok := conn.(*tls.Conn)
		if !ok {
			conn.Close()
			return
		}
		sock := socket.New(conn, socket.FlagEncrypted)

		hctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		if _, err := tlsauth.Admit(hctx, tc, allowed); err != nil {
			lg.Debug("TLS admission rejected", log.KVErr(err))
			sock.Close(socket.CloseImmediateNoShutdown)
			return
		}
		runSession(cfg, backend, sock)
	}
}

func runSession(cfg *config.Config, backend clipboard.Backend, sock *socket.Socket) {
	version_, ok, err := proto.Negotiate(sock, cfg.MinProtoVersion, cfg.MaxProtoVersion)
	if err != nil || !ok {
		sock.Close(socket.CloseImmediateNoShutdown)
		return
	}
	sess := &proto.Session{
		Sock:    sock,
		Version: version_,
		Cfg:     cfg,
		Backend: backend,
		Log:     lg,
	}
	proto.Serve(sess)
}

// waitForQuit blocks until a termination signal arrives, mirroring the
// daemon's standard stop sequence: close listeners, then drain workers.
func waitForQuit() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	<-ch
}
