// Package config loads and validates the relay's process-wide configuration.
// All settings come from environment variables, optionally seeded with
// defaults from a relay.yaml file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/relaymesh/relay/internal/domain"
	"gopkg.in/yaml.v3"
)

// BrokerKind tags the MessageBrokerOptions union.
type BrokerKind string

const (
	BrokerRabbitMQ  BrokerKind = "RabbitMQ"
	BrokerInProcess BrokerKind = "AsyncChannel"
)

// RabbitMQOptions holds the settings for a RabbitMQ work queue.
type RabbitMQOptions struct {
	URL      string `json:"url"`
	Port     int    `json:"port"`
	QueueID  string `json:"queue_id"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// MessageBrokerOptions is the JSON tagged union carried in MSG_BROKER_OPTS.
// AsyncChannel selects the in-memory channel broker, valid only in
// single-binary deployments.
type MessageBrokerOptions struct {
	Type     BrokerKind       `json:"type"`
	RabbitMQ *RabbitMQOptions `json:"-"`
}

// UnmarshalJSON decodes the tagged union: RabbitMQ options are flattened next
// to the type tag.
func (m *MessageBrokerOptions) UnmarshalJSON(data []byte) error {
	var tag struct {
		Type BrokerKind `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}
	m.Type = tag.Type
	switch tag.Type {
	case BrokerRabbitMQ:
		var opts RabbitMQOptions
		if err := json.Unmarshal(data, &opts); err != nil {
			return err
		}
		m.RabbitMQ = &opts
	case BrokerInProcess:
	default:
		return fmt.Errorf("unknown message broker type %q", tag.Type)
	}
	return nil
}

// MarshalJSON encodes the union with RabbitMQ options flattened.
func (m MessageBrokerOptions) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case BrokerRabbitMQ:
		return json.Marshal(struct {
			Type BrokerKind `json:"type"`
			RabbitMQOptions
		}{Type: m.Type, RabbitMQOptions: *m.RabbitMQ})
	default:
		return json.Marshal(struct {
			Type BrokerKind `json:"type"`
		}{Type: m.Type})
	}
}

// Settings holds every environment-driven setting that controls relay
// behavior.
type Settings struct {
	RelayName      string
	RestURL        string
	RestPort       string
	FlightAddr     string
	DatabaseURL    string
	CACertFile     string
	ClientCertFile string
	ClientKeyFile  string

	// DirectTLS selects between terminating mTLS in-process (server cert/key
	// required) and trusting a reverse proxy to forward the client cert in
	// ClientCertHeader.
	DirectTLS        bool
	ServerCertFile   string
	ServerKeyFile    string
	ClientCertHeader string

	BrokerOpts MessageBrokerOptions

	ResultObjectStore domain.SupportedObjectStore
	ResultBucket      string
	ResultRegion      string
	ResultPrefix      string

	// DefaultRelayAdmin optionally points at a PEM cert whose holder is
	// auto-registered as an admin at startup.
	DefaultRelayAdmin string

	// MinParallelismPerWorker divides hardware parallelism to size the worker
	// pool: workers = max(1, parallelism / MinParallelismPerWorker).
	MinParallelismPerWorker int
}

// fileDefaults mirrors the optional relay.yaml file. Env vars always win.
type fileDefaults struct {
	RelayName         string `yaml:"relay_name"`
	RestServiceURL    string `yaml:"rest_service_url"`
	RestServicePort   string `yaml:"rest_service_port"`
	FlightEndpoint    string `yaml:"flight_service_endpoint"`
	ResultObjectStore string `yaml:"result_source_object_store"`
	ResultBucket      string `yaml:"result_source_bucket"`
	ResultRegion      string `yaml:"result_source_region"`
	ResultPrefix      string `yaml:"result_source_pfx"`
}

// ResolvePath finds the defaults file. Priority: RELAY_CONFIG env var >
// ./relay.yaml > "" (no file).
func ResolvePath() string {
	if p := os.Getenv("RELAY_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("relay.yaml"); err == nil {
		return "relay.yaml"
	}
	return ""
}

func loadDefaults(path string) (fileDefaults, error) {
	var d fileDefaults
	if path == "" {
		return d, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return d, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("parse config %s: %w", path, err)
	}
	return d, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func required(key, fallback string) (string, error) {
	v := envOr(key, fallback)
	if v == "" {
		return "", fmt.Errorf("%s must be set", key)
	}
	return v, nil
}

// FromEnv reads and validates the full relay configuration.
func FromEnv() (*Settings, error) {
	defaults, err := loadDefaults(ResolvePath())
	if err != nil {
		return nil, err
	}

	s := &Settings{}

	if s.RelayName, err = required("RELAY_NAME", defaults.RelayName); err != nil {
		return nil, err
	}
	if s.RestURL, err = required("REST_SERVICE_URL", defaults.RestServiceURL); err != nil {
		return nil, err
	}
	if s.RestPort, err = required("REST_SERVICE_PORT", defaults.RestServicePort); err != nil {
		return nil, err
	}
	if s.FlightAddr, err = required("FLIGHT_SERVICE_ENDPOINT", defaults.FlightEndpoint); err != nil {
		return nil, err
	}
	if s.DatabaseURL, err = required("DATABASE_URL", ""); err != nil {
		return nil, err
	}
	if s.CACertFile, err = required("CA_CERT_FILE", ""); err != nil {
		return nil, err
	}
	if s.ClientCertFile, err = required("CLIENT_CERT_FILE", ""); err != nil {
		return nil, err
	}
	if s.ClientKeyFile, err = required("CLIENT_KEY_FILE", ""); err != nil {
		return nil, err
	}

	if v := os.Getenv("DIRECT_TLS"); v != "" {
		s.DirectTLS, err = strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("DIRECT_TLS=%q: must be a boolean", v)
		}
	}

	if s.DirectTLS {
		if s.ServerCertFile, err = required("SERVER_CERT_FILE", ""); err != nil {
			return nil, fmt.Errorf("%w when DIRECT_TLS is true", err)
		}
		if s.ServerKeyFile, err = required("SERVER_KEY_FILE", ""); err != nil {
			return nil, fmt.Errorf("%w when DIRECT_TLS is true", err)
		}
	} else {
		if s.ClientCertHeader, err = required("CLIENT_CERT_HEADER", ""); err != nil {
			return nil, fmt.Errorf("%w when DIRECT_TLS is false", err)
		}
	}

	brokerJSON, err := required("MSG_BROKER_OPTS", "")
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(brokerJSON), &s.BrokerOpts); err != nil {
		return nil, fmt.Errorf("MSG_BROKER_OPTS could not be parsed: %w", err)
	}

	storeName, err := required("RESULT_SOURCE_OBJECT_STORE", defaults.ResultObjectStore)
	if err != nil {
		return nil, err
	}
	if s.ResultObjectStore, err = domain.ParseObjectStore(storeName); err != nil {
		return nil, err
	}
	s.ResultBucket = envOr("RESULT_SOURCE_BUCKET", defaults.ResultBucket)
	s.ResultRegion = envOr("RESULT_SOURCE_REGION", defaults.ResultRegion)
	s.ResultPrefix = envOr("RESULT_SOURCE_PFX", defaults.ResultPrefix)

	s.DefaultRelayAdmin = os.Getenv("DEFAULT_RELAY_ADMIN")

	s.MinParallelismPerWorker = 1
	if v := os.Getenv("MIN_PARALLELISM_PER_QUERY_WORKER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("MIN_PARALLELISM_PER_QUERY_WORKER=%q: must be a positive integer", v)
		}
		s.MinParallelismPerWorker = n
	}

	return s, nil
}

// ReadClientCert reads the relay's client certificate PEM.
func (s *Settings) ReadClientCert() ([]byte, error) {
	return os.ReadFile(s.ClientCertFile)
}

// ReadClientKey reads the relay's client key PEM.
func (s *Settings) ReadClientKey() ([]byte, error) {
	return os.ReadFile(s.ClientKeyFile)
}

// ReadCACert reads the trusted CA bundle PEM.
func (s *Settings) ReadCACert() ([]byte, error) {
	return os.ReadFile(s.CACertFile)
}
