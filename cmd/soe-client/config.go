package main

import (
	"encoding/json"
	"os"
)

// Config mirrors the client CLI flags, with json tags so -c can load
// (and override) the same settings from a file.
type Config struct {
	LocalAddr  string `json:"localaddr"`
	RemoteAddr string `json:"remoteaddr"`
	Key        string `json:"key"`
	Encrypt    bool   `json:"encrypt"`
	AppProto   string `json:"appproto"`

	UDPLength  int `json:"udplength"`
	CrcLength  int `json:"crclength"`
	NoComp     bool `json:"nocomp"`

	DataShard   int `json:"datashard"`
	ParityShard int `json:"parityshard"`
	FEC         bool `json:"fec"`

	SmuxVer   int `json:"smuxver"`
	SmuxBuf   int `json:"smuxbuf"`
	StreamBuf int `json:"streambuf"`
	FrameSize int `json:"framesize"`

	Log   string `json:"log"`
	Quiet bool   `json:"quiet"`
}

func parseJSONConfig(config *Config, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return json.NewDecoder(file).Decode(config)
}
