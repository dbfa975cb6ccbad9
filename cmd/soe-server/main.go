// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"crypto/sha1"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"golang.org/x/crypto/pbkdf2"

	"github.com/soeproto/soetun/app"
	"github.com/soeproto/soetun/internal/soe"
)

const saltForKeyDerivation = "soe-proto"

// VERSION is injected by buildflags.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "soe-server"
	myApp.Usage = "SOE protocol server (TCP tunnel over UDP, with smux)"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{Name: "listen, l", Value: ":29900", Usage: "local UDP listen address"},
		cli.StringFlag{Name: "target, t", Value: "127.0.0.1:80", Usage: "target TCP address"},
		cli.StringFlag{Name: "key", Value: "it's a secret", Usage: "pre-shared secret between client and server", EnvVar: "SOE_KEY"},
		cli.BoolFlag{Name: "encrypt", Usage: "enable RC4 payload encryption"},
		cli.StringFlag{Name: "appproto", Value: "soetun", Usage: "application_protocol identity this server accepts"},
		cli.IntFlag{Name: "udplength", Value: 512, Usage: "max datagram size this peer can receive"},
		cli.BoolFlag{Name: "nocomp", Usage: "disable zlib compression"},
		cli.BoolFlag{Name: "fec", Usage: "enable optional Reed-Solomon forward error correction"},
		cli.IntFlag{Name: "datashard, ds", Value: 8, Usage: "fec data shard count"},
		cli.IntFlag{Name: "parityshard, ps", Value: 2, Usage: "fec parity shard count"},
		cli.BoolFlag{Name: "allowportremaps", Usage: "allow sessions to follow a NAT-rebound source port"},
		cli.IntFlag{Name: "smuxver", Value: 1, Usage: "smux protocol version, 1 or 2"},
		cli.IntFlag{Name: "smuxbuf", Value: 4194304, Usage: "overall smux receive buffer in bytes"},
		cli.IntFlag{Name: "streambuf", Value: 2097152, Usage: "per-stream smux receive buffer, smux v2+"},
		cli.IntFlag{Name: "framesize", Value: 8192, Usage: "smux max frame size"},
		cli.StringFlag{Name: "log", Value: "", Usage: "specify a log file to output, default goes to stderr"},
		cli.BoolFlag{Name: "quiet", Usage: "suppress the stream open/close messages"},
		cli.StringFlag{Name: "c", Value: "", Usage: "config from json file, which will override the command from shell"},
	}
	myApp.Action = run
	if err := myApp.Run(os.Args); err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(c *cli.Context) error {
	config := Config{
		Listen:          c.String("listen"),
		Target:          c.String("target"),
		Key:             c.String("key"),
		Encrypt:         c.Bool("encrypt"),
		AppProto:        c.String("appproto"),
		UDPLength:       c.Int("udplength"),
		NoComp:          c.Bool("nocomp"),
		FEC:             c.Bool("fec"),
		DataShard:       c.Int("datashard"),
		ParityShard:     c.Int("parityshard"),
		AllowPortRemaps: c.Bool("allowportremaps"),
		SmuxVer:         c.Int("smuxver"),
		SmuxBuf:         c.Int("smuxbuf"),
		StreamBuf:       c.Int("streambuf"),
		FrameSize:       c.Int("framesize"),
		Log:             c.String("log"),
		Quiet:           c.Bool("quiet"),
	}
	if c.String("c") != "" {
		if err := parseJSONConfig(&config, c.String("c")); err != nil {
			return errors.Wrap(err, "parse config")
		}
	}

	if config.Log != "" {
		f, err := os.OpenFile(config.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return errors.Wrap(err, "open log file")
		}
		defer f.Close()
		log.SetOutput(f)
	}

	log.Println("version:", VERSION)
	log.Println("listening on:", config.Listen)
	log.Println("target:", config.Target)
	log.Println("encrypt:", config.Encrypt)
	log.Println("compression:", !config.NoComp)
	log.Println("fec:", config.FEC, "datashard:", config.DataShard, "parityshard:", config.ParityShard)
	log.Println("allowportremaps:", config.AllowPortRemaps)

	addr, err := net.ResolveUDPAddr("udp", config.Listen)
	if err != nil {
		return errors.Wrap(err, "resolve listen address")
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return errors.Wrap(err, "listen udp")
	}

	params := soe.NewDefaultSessionParameters(config.AppProto)
	params.UDPLength = uint32(config.UDPLength)
	params.IsCompressionEnabled = !config.NoComp
	params.IsFECEnabled = config.FEC
	params.FECDataShards = config.DataShard
	params.FECParityShards = config.ParityShard

	muxConfig, err := app.BuildSmuxConfig(params, config.SmuxVer, config.SmuxBuf, config.StreamBuf, config.FrameSize)
	if err != nil {
		return errors.Wrap(err, "smux config")
	}

	var appParams soe.ApplicationParameters
	if config.Encrypt {
		key := pbkdf2.Key([]byte(config.Key), []byte(saltForKeyDerivation), 4096, 32, sha1.New)
		inbound, err := soe.NewRc4KeyState(key)
		if err != nil {
			return errors.Wrap(err, "rc4 key state")
		}
		outbound, err := soe.NewRc4KeyState(key)
		if err != nil {
			return errors.Wrap(err, "rc4 key state")
		}
		appParams = soe.ApplicationParameters{IsEncryptionEnabled: true, InboundKey: inbound, OutboundKey: outbound}
	}

	reg := &tunnelRegistry{}
	socketHandler := soe.NewSocketHandler(conn, soe.SocketHandlerConfig{
		DefaultParams:               params,
		AllowPortRemaps:             config.AllowPortRemaps,
		StopOnLastSessionTerminated: false,
		NewApplication: func() soe.ApplicationProtocol {
			tunnel := app.NewTunnelApplication(true, muxConfig, appParams)
			reg.add(tunnel)
			go serveMux(tunnel, config)
			return tunnel
		},
	})

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		reg.pumpAll()
		if more, err := socketHandler.Tick(time.Now()); !more || err != nil {
			if err != nil {
				return errors.Wrap(err, "socket handler tick")
			}
			return nil
		}
	}
	return nil
}

// tunnelRegistry lets the tick loop pump every live server-side
// TunnelApplication's pending smux writes into its reliable output
// channel once per tick, since the accept loops run on their own
// goroutines.
type tunnelRegistry struct {
	mu   sync.Mutex
	apps []*app.TunnelApplication
}

func (r *tunnelRegistry) add(t *app.TunnelApplication) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apps = append(r.apps, t)
}

func (r *tunnelRegistry) pumpAll() {
	r.mu.Lock()
	apps := r.apps
	r.mu.Unlock()
	for _, t := range apps {
		t.Pump()
	}
}

// serveMux waits for tunnel's smux session to come up, then accepts
// streams from it for the lifetime of the session, dialing target for
// each one, mirroring kcptun's handleMux.
func serveMux(tunnel *app.TunnelApplication, config Config) {
	mux := tunnel.Mux()
	if mux == nil {
		return
	}
	for {
		stream, err := mux.AcceptStream()
		if err != nil {
			return
		}
		go func() {
			if !config.Quiet {
				log.Println("stream accepted:", stream.ID())
			}
			app.ServeServerStream(stream, func() (io.ReadWriteCloser, error) {
				return net.Dial("tcp", config.Target)
			})
			if !config.Quiet {
				log.Println("stream closed:", stream.ID())
			}
		}()
	}
}
