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
	"log"
	"net"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"golang.org/x/crypto/pbkdf2"

	"github.com/soeproto/soetun/app"
	"github.com/soeproto/soetun/internal/soe"
)

// saltForKeyDerivation mirrors the teacher's fixed pbkdf2 salt: a
// constant is fine here because the secret itself is the
// pre-shared, high-entropy half of the key material.
const saltForKeyDerivation = "soe-proto"

// VERSION is injected by buildflags.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "soe-client"
	myApp.Usage = "SOE protocol client (TCP tunnel over UDP, with smux)"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{Name: "localaddr, l", Value: ":12948", Usage: "local TCP listen address"},
		cli.StringFlag{Name: "remoteaddr, r", Value: "vps:29900", Usage: "SOE server address"},
		cli.StringFlag{Name: "key", Value: "it's a secret", Usage: "pre-shared secret between client and server", EnvVar: "SOE_KEY"},
		cli.BoolFlag{Name: "encrypt", Usage: "enable RC4 payload encryption"},
		cli.StringFlag{Name: "appproto", Value: "soetun", Usage: "application_protocol identity negotiated with the server"},
		cli.IntFlag{Name: "udplength", Value: 512, Usage: "max datagram size this peer can receive"},
		cli.IntFlag{Name: "crclength", Value: 2, Usage: "starting crc trailer length, replaced by the server's negotiated value (not sent to the server)"},
		cli.BoolFlag{Name: "nocomp", Usage: "disable zlib compression"},
		cli.BoolFlag{Name: "fec", Usage: "enable optional Reed-Solomon forward error correction"},
		cli.IntFlag{Name: "datashard, ds", Value: 8, Usage: "fec data shard count"},
		cli.IntFlag{Name: "parityshard, ps", Value: 2, Usage: "fec parity shard count"},
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
		LocalAddr:   c.String("localaddr"),
		RemoteAddr:  c.String("remoteaddr"),
		Key:         c.String("key"),
		Encrypt:     c.Bool("encrypt"),
		AppProto:    c.String("appproto"),
		UDPLength:   c.Int("udplength"),
		CrcLength:   c.Int("crclength"),
		NoComp:      c.Bool("nocomp"),
		FEC:         c.Bool("fec"),
		DataShard:   c.Int("datashard"),
		ParityShard: c.Int("parityshard"),
		SmuxVer:     c.Int("smuxver"),
		SmuxBuf:     c.Int("smuxbuf"),
		StreamBuf:   c.Int("streambuf"),
		FrameSize:   c.Int("framesize"),
		Log:         c.String("log"),
		Quiet:       c.Bool("quiet"),
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
	log.Println("remote address:", config.RemoteAddr)
	log.Println("encrypt:", config.Encrypt)
	log.Println("compression:", !config.NoComp)
	log.Println("fec:", config.FEC, "datashard:", config.DataShard, "parityshard:", config.ParityShard)

	listener, err := net.Listen("tcp", config.LocalAddr)
	if err != nil {
		return errors.Wrap(err, "listen local")
	}
	log.Println("listening on:", listener.Addr())

	raddr, err := net.ResolveUDPAddr("udp", config.RemoteAddr)
	if err != nil {
		return errors.Wrap(err, "resolve remote address")
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return errors.Wrap(err, "open udp socket")
	}

	params := soe.NewDefaultSessionParameters(config.AppProto)
	params.UDPLength = uint32(config.UDPLength)
	if config.CrcLength > 0 {
		// This peer's starting crc_length; the server's SessionResponse
		// overrides it once negotiation completes (spec section 4.6).
		params.CrcLength = config.CrcLength
	}
	params.IsCompressionEnabled = !config.NoComp
	params.IsFECEnabled = config.FEC
	params.FECDataShards = config.DataShard
	params.FECParityShards = config.ParityShard

	appParams := soe.ApplicationParameters{}
	if config.Encrypt {
		color.Yellow("RC4 encryption enabled, deriving session key")
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

	muxConfig, err := app.BuildSmuxConfig(params, config.SmuxVer, config.SmuxBuf, config.StreamBuf, config.FrameSize)
	if err != nil {
		return errors.Wrap(err, "smux config")
	}

	tunnel := app.NewTunnelApplication(false, muxConfig, appParams)
	socketHandler := soe.NewSocketHandler(conn, soe.SocketHandlerConfig{DefaultParams: params})
	socketHandler.DialClient(raddr, params, tunnel)

	go driveTickLoop(socketHandler, tunnel)

	mux := tunnel.Mux()
	if mux == nil {
		return errors.New("soe session closed before negotiation completed")
	}

	for {
		p1, err := listener.Accept()
		if err != nil {
			return errors.Wrap(err, "accept local connection")
		}
		go func() {
			if !config.Quiet {
				log.Println("stream opened, local:", p1.RemoteAddr())
			}
			app.ServeClientStream(mux, p1)
			if !config.Quiet {
				log.Println("stream closed, local:", p1.RemoteAddr())
			}
		}()
	}
}

func driveTickLoop(s *soe.SocketHandler, t *app.TunnelApplication) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		t.Pump()
		if more, err := s.Tick(time.Now()); !more || err != nil {
			if err != nil {
				log.Println("tick:", err)
			}
			return
		}
	}
}
