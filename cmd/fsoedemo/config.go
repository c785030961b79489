package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mhalvors/fsoe-go/pkg/channel"
	"github.com/mhalvors/fsoe-go/pkg/frame"
	"github.com/mhalvors/fsoe-go/pkg/master"
	"github.com/mhalvors/fsoe-go/pkg/slave"
)

// TransportConfig selects and parameterises the black channel.
type TransportConfig struct {
	Type    string `yaml:"type"`    // udp, quic, ws or serial
	Address string `yaml:"address"` // host:port for udp/quic
	Listen  bool   `yaml:"listen"`  // server side for udp/quic

	URL string `yaml:"url"` // ws:// endpoint for ws

	Port     string `yaml:"port"`      // device path for serial
	BaudRate int    `yaml:"baud_rate"` // serial only
}

// EndpointConfig is the YAML file format for one demo endpoint. The same
// file works for both roles; the slave ignores connection_id, takes only
// the length of application_parameters, and uses watchdog_timeout_ms only
// to pick its tick period.
type EndpointConfig struct {
	SlaveAddress      uint16 `yaml:"slave_address"`
	ConnectionID      uint16 `yaml:"connection_id"`
	WatchdogTimeoutMS uint16 `yaml:"watchdog_timeout_ms"`

	// ApplicationParameters is a list of byte values; YAML treats []byte
	// as base64, which is hostile to hand-written files.
	ApplicationParameters []int `yaml:"application_parameters"`

	OutputsSize int `yaml:"outputs_size"`
	InputsSize  int `yaml:"inputs_size"`

	Transport TransportConfig `yaml:"transport"`
}

// appParameterBytes converts the YAML byte list.
func (c *EndpointConfig) appParameterBytes() []byte {
	if len(c.ApplicationParameters) == 0 {
		return nil
	}
	out := make([]byte, len(c.ApplicationParameters))
	for i, v := range c.ApplicationParameters {
		out[i] = byte(v)
	}
	return out
}

// LoadConfig reads and validates an endpoint configuration file.
func LoadConfig(path string) (*EndpointConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &EndpointConfig{
		WatchdogTimeoutMS: 100,
		OutputsSize:       2,
		InputsSize:        2,
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	for _, v := range cfg.ApplicationParameters {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("application parameter %d out of byte range", v)
		}
	}

	switch cfg.Transport.Type {
	case "udp", "quic":
		if cfg.Transport.Address == "" {
			return nil, fmt.Errorf("transport %s requires an address", cfg.Transport.Type)
		}
	case "ws":
		if cfg.Transport.URL == "" {
			return nil, fmt.Errorf("transport ws requires a url")
		}
	case "serial":
		if cfg.Transport.Port == "" {
			return nil, fmt.Errorf("transport serial requires a port")
		}
	case "":
		return nil, fmt.Errorf("transport type is required")
	default:
		return nil, fmt.Errorf("unknown transport type %q", cfg.Transport.Type)
	}

	return cfg, nil
}

// MasterConfig converts the file content to a master configuration.
func (c *EndpointConfig) MasterConfig() master.Config {
	return master.Config{
		SlaveAddress:          c.SlaveAddress,
		ConnectionID:          c.ConnectionID,
		WatchdogTimeoutMS:     c.WatchdogTimeoutMS,
		ApplicationParameters: c.appParameterBytes(),
		OutputsSize:           c.OutputsSize,
		InputsSize:            c.InputsSize,
	}
}

// SlaveConfig converts the file content to a slave configuration.
func (c *EndpointConfig) SlaveConfig() slave.Config {
	return slave.Config{
		SlaveAddress:              c.SlaveAddress,
		ApplicationParametersSize: len(c.ApplicationParameters),
		InputsSize:                c.InputsSize,
		OutputsSize:               c.OutputsSize,
	}
}

// BuildTransport opens the configured black channel. recvDataSize is the
// data size of incoming PDUs, which the serial transport needs for
// framing.
func (c *EndpointConfig) BuildTransport(recvDataSize int) (channel.Transport, func() error, error) {
	switch c.Transport.Type {
	case "udp":
		t, err := channel.NewUDPTransport(channel.UDPTransportConfig{
			Address:  c.Transport.Address,
			IsServer: c.Transport.Listen,
		})
		if err != nil {
			return nil, nil, err
		}
		return t, t.Close, nil
	case "quic":
		t, err := channel.NewQUICTransport(channel.QUICTransportConfig{
			Address:  c.Transport.Address,
			IsServer: c.Transport.Listen,
		})
		if err != nil {
			return nil, nil, err
		}
		return t, t.Close, nil
	case "ws":
		t, err := channel.NewWSTransport(channel.WSTransportConfig{
			URL: c.Transport.URL,
		})
		if err != nil {
			return nil, nil, err
		}
		return t, t.Close, nil
	case "serial":
		t, err := channel.NewSerialTransport(channel.SerialTransportConfig{
			Port:      c.Transport.Port,
			BaudRate:  c.Transport.BaudRate,
			FrameSize: frame.Size(recvDataSize),
		})
		if err != nil {
			return nil, nil, err
		}
		return t, t.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport type %q", c.Transport.Type)
	}
}
