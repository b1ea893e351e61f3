package domain

import (
	"fmt"
)

// SourceFileType enumerates file formats supported by the file-directory
// runner.
type SourceFileType string

const (
	FileTypeCSV     SourceFileType = "CSV"
	FileTypeJSON    SourceFileType = "JSON"
	FileTypeParquet SourceFileType = "Parquet"
)

// SupportedObjectStore enumerates the backing stores for file directories and
// query results.
type SupportedObjectStore string

const (
	ObjectStoreLocal SupportedObjectStore = "LocalFileSystem"
	ObjectStoreS3    SupportedObjectStore = "S3"
	ObjectStoreAzure SupportedObjectStore = "Azure"
	ObjectStoreGCP   SupportedObjectStore = "GCP"
)

// ParseObjectStore validates a SupportedObjectStore string.
func ParseObjectStore(s string) (SupportedObjectStore, error) {
	switch SupportedObjectStore(s) {
	case ObjectStoreLocal, ObjectStoreS3, ObjectStoreAzure, ObjectStoreGCP:
		return SupportedObjectStore(s), nil
	}
	return "", fmt.Errorf("invalid object store variant %q: valid values are LocalFileSystem, S3, Azure, or GCP", s)
}

// FileDirectoryConnection identifies a directory of files in an object store.
type FileDirectoryConnection struct {
	ObjectStoreType SupportedObjectStore `json:"object_store_type" yaml:"object_store_type"`
	URL             string               `json:"url" yaml:"url"`
}

// FileDirectorySource selects files within a FileDirectoryConnection.
type FileDirectorySource struct {
	Bucket   string         `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Region   string         `json:"region,omitempty" yaml:"region,omitempty"`
	Prefix   string         `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	FileType SourceFileType `json:"file_type" yaml:"file_type"`
}

// FlightSQLAuth is a tagged union over the supported FlightSQL authentication
// modes. Exactly one of Basic or PKI is set; both nil means unsecured.
type FlightSQLAuth struct {
	Basic *BasicFlightSQLAuth `json:"basic,omitempty" yaml:"basic,omitempty"`
	PKI   *PKIFlightSQLAuth   `json:"pki,omitempty" yaml:"pki,omitempty"`
}

// BasicFlightSQLAuth holds username/password handshake credentials. Password
// names an environment variable holding the secret, never the plaintext.
type BasicFlightSQLAuth struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// PKIFlightSQLAuth holds mTLS material paths for a FlightSQL endpoint.
type PKIFlightSQLAuth struct {
	ClientCertFile string `json:"client_cert_file" yaml:"client_cert_file"`
	ClientKeyFile  string `json:"client_key_file" yaml:"client_key_file"`
	CACertBundle   string `json:"ca_cert_bundle" yaml:"ca_cert_bundle"`
}

// FlightSQLConnection identifies an Arrow FlightSQL execution endpoint.
type FlightSQLConnection struct {
	Endpoint string        `json:"endpoint" yaml:"endpoint"`
	Auth     FlightSQLAuth `json:"auth" yaml:"auth"`
}

// FlightSQLSource has no per-source settings; the SourceSQL carries everything.
type FlightSQLSource struct{}

// TrinoConnection holds settings to connect to a Trino cluster. Password names
// an environment variable holding the secret; empty means no password.
type TrinoConnection struct {
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Catalog  string `json:"catalog" yaml:"catalog"`
	Schema   string `json:"schema" yaml:"schema"`
	Secure   bool   `json:"secure" yaml:"secure"`
}

// TrinoSource has no per-source settings.
type TrinoSource struct{}

// ConnectionOptions is a tagged union over the supported DataConnection
// backends. Exactly one variant is non-nil.
type ConnectionOptions struct {
	FileDirectory *FileDirectoryConnection `json:"file_directory,omitempty" yaml:"file_directory,omitempty"`
	FlightSQL     *FlightSQLConnection     `json:"flight_sql,omitempty" yaml:"flight_sql,omitempty"`
	Trino         *TrinoConnection         `json:"trino,omitempty" yaml:"trino,omitempty"`
}

// SourceOptions is a tagged union over the supported DataSource backends.
// Exactly one variant is non-nil and it must match the parent connection.
type SourceOptions struct {
	FileDirectory *FileDirectorySource `json:"file_directory,omitempty" yaml:"file_directory,omitempty"`
	FlightSQL     *FlightSQLSource     `json:"flight_sql,omitempty" yaml:"flight_sql,omitempty"`
	Trino         *TrinoSource         `json:"trino,omitempty" yaml:"trino,omitempty"`
}

// Validate checks that exactly one variant is set.
func (c ConnectionOptions) Validate() error {
	n := 0
	if c.FileDirectory != nil {
		n++
	}
	if c.FlightSQL != nil {
		n++
	}
	if c.Trino != nil {
		n++
	}
	if n != 1 {
		return fmt.Errorf("connection_options must set exactly one variant, found %d", n)
	}
	return nil
}

// Validate checks that exactly one variant is set.
func (s SourceOptions) Validate() error {
	n := 0
	if s.FileDirectory != nil {
		n++
	}
	if s.FlightSQL != nil {
		n++
	}
	if s.Trino != nil {
		n++
	}
	if n != 1 {
		return fmt.Errorf("source_options must set exactly one variant, found %d", n)
	}
	return nil
}
