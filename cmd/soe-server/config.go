package main

import (
	"encoding/json"
	"os"
)

// Config mirrors the server CLI flags, with json tags so -c can load
// (and override) the same settings from a file.
type Config struct {
	Listen   string `json:"listen"`
	Target   string `json:"target"`
	Key      string `json:"key"`
	Encrypt  bool   `json:"encrypt"`
	AppProto string `json:"appproto"`

	UDPLength int  `json:"udplength"`
	NoComp    bool `json:"nocomp"`

	DataShard   int  `json:"datashard"`
	ParityShard int  `json:"parityshard"`
	FEC         bool `json:"fec"`

	AllowPortRemaps bool `json:"allowportremaps"`

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
