package httptransport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Limits bounds what the client reads from the remote server.
type Limits struct {
	// MaxBodyBytes caps a compressed response body. Default 16MB.
	MaxBodyBytes int64

	// MaxDecompressedBytes caps a decoded document or info response.
	// Default 64MB.
	MaxDecompressedBytes int64

	// MaxAttachmentBytes caps a single attachment download. Default 256MB.
	MaxAttachmentBytes int64

	// MaxLineBytes caps one line of a streamed change feed. Default 10MB.
	MaxLineBytes int
}

// ClientOptions configures a Client.
type ClientOptions struct {
	// CompressionEnabled sends Accept-Encoding: gzip and decodes gzip
	// responses in the client.
	CompressionEnabled bool

	// RequestTimeout bounds non-streaming requests. Streaming feed requests
	// are bounded by their context only. Default 60s.
	RequestTimeout time.Duration

	Limits Limits

	// Headers are added to every request.
	Headers http.Header

	// Username and Password enable basic auth. Credentials embedded in the
	// database URL are used when these are empty.
	Username string
	Password string

	UserAgent string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// DefaultClientOptions returns the default client options
func DefaultClientOptions() *ClientOptions {
	return &ClientOptions{
		CompressionEnabled: true,
		RequestTimeout:     60 * time.Second,
		Limits: Limits{
			MaxBodyBytes:         16 << 20,
			MaxDecompressedBytes: 64 << 20,
			MaxAttachmentBytes:   256 << 20,
			MaxLineBytes:         10 << 20,
		},
		UserAgent: "couchpull/1.0",
	}
}

// ValidateClientOptions rejects negative limits and timeouts.
func ValidateClientOptions(opts *ClientOptions) error {
	if opts == nil {
		return fmt.Errorf("client options cannot be nil")
	}
	if opts.RequestTimeout < 0 {
		return fmt.Errorf("request timeout cannot be negative: %s", opts.RequestTimeout)
	}
	l := opts.Limits
	if l.MaxBodyBytes < 0 || l.MaxDecompressedBytes < 0 || l.MaxAttachmentBytes < 0 || l.MaxLineBytes < 0 {
		return fmt.Errorf("limits cannot be negative: %+v", l)
	}
	if l.MaxDecompressedBytes > 0 && l.MaxBodyBytes > l.MaxDecompressedBytes {
		return fmt.Errorf("max body bytes (%d) exceeds max decompressed bytes (%d)", l.MaxBodyBytes, l.MaxDecompressedBytes)
	}
	return nil
}

func (l *Limits) setDefaults() {
	d := DefaultClientOptions().Limits
	if l.MaxBodyBytes == 0 {
		l.MaxBodyBytes = d.MaxBodyBytes
	}
	if l.MaxDecompressedBytes == 0 {
		l.MaxDecompressedBytes = d.MaxDecompressedBytes
	}
	if l.MaxAttachmentBytes == 0 {
		l.MaxAttachmentBytes = d.MaxAttachmentBytes
	}
	if l.MaxLineBytes == 0 {
		l.MaxLineBytes = d.MaxLineBytes
	}
}

// ServerInfo is the welcome document served at the server root.
type ServerInfo struct {
	CouchDB  string   `json:"couchdb"`
	Version  string   `json:"version"`
	UUID     string   `json:"uuid,omitempty"`
	Vendor   Vendor   `json:"vendor"`
	Features []string `json:"features,omitempty"`
}

// Vendor identifies the server implementation.
type Vendor struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// DatabaseInfo is returned by GET on the database URL.
type DatabaseInfo struct {
	DBName            string `json:"db_name"`
	DocCount          int64  `json:"doc_count"`
	DocDelCount       int64  `json:"doc_del_count"`
	InstanceStartTime string `json:"instance_start_time,omitempty"`
	// UpdateSeq is an integer on CouchDB 1.x and a string on 2.x and later.
	UpdateSeq json.RawMessage `json:"update_seq"`
}

type revisionsField struct {
	Start int      `json:"start"`
	IDs   []string `json:"ids"`
}

type attachmentField struct {
	ContentType string `json:"content_type"`
	Digest      string `json:"digest"`
	Length      int64  `json:"length"`
	RevPos      int    `json:"revpos"`
	Stub        bool   `json:"stub"`
	Data        []byte `json:"data"`
	Encoding    string `json:"encoding,omitempty"`
}

type bulkGetRef struct {
	ID  string `json:"id"`
	Rev string `json:"rev"`
}

type bulkGetRequest struct {
	Docs []bulkGetRef `json:"docs"`
}

type bulkGetResponse struct {
	Results []struct {
		ID   string `json:"id"`
		Docs []struct {
			OK    map[string]json.RawMessage `json:"ok"`
			Error *bulkGetError              `json:"error"`
		} `json:"docs"`
	} `json:"results"`
}

type bulkGetError struct {
	ID     string `json:"id"`
	Rev    string `json:"rev"`
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

type viewResponse struct {
	Rows []struct {
		ID string `json:"id"`
	} `json:"rows"`
}
