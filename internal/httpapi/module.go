// Package httpapi implements the streamhub wire protocol as a Caddy
// HTTP handler: multi-tenant stream CRUD, long-poll/SSE reads, the
// estuary fan-out subscription surface, and per-project config admin.
package httpapi

import (
	"context"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/streamhub/streamhub/internal/adminindex"
	"github.com/streamhub/streamhub/internal/blob"
	"github.com/streamhub/streamhub/internal/fanout"
	"github.com/streamhub/streamhub/internal/project"
	"github.com/streamhub/streamhub/internal/streamactor"
)

func init() {
	caddy.RegisterModule(Handler{})
	httpcaddyfile.RegisterHandlerDirective("streamhub", parseCaddyfile)
}

// Handler implements the streamhub protocol as a Caddy HTTP handler.
// It owns the project registry, the per-stream actor registry, the
// fan-out manager, the blob backend, and the admin index, replacing
// the teacher's single global store.Store field.
type Handler struct {
	// DataDir holds per-project bbolt files (stream hot logs) and the
	// LMDB project registry.
	DataDir string `json:"data_dir,omitempty"`

	// BlobBackend selects segment storage: "local" (default, under
	// DataDir/blobs) or "s3".
	BlobBackend string `json:"blob_backend,omitempty"`
	S3Bucket    string `json:"s3_bucket,omitempty"`
	S3Prefix    string `json:"s3_prefix,omitempty"`
	S3Region    string `json:"s3_region,omitempty"`

	// S3AccessKeyID/S3SecretAccessKey, if both set, are handed to the
	// AWS SDK as static credentials instead of the default chain (env
	// vars, shared config, instance/task role). Leave both empty to use
	// the default chain, the usual choice outside of local testing.
	S3AccessKeyID     string `json:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `json:"s3_secret_access_key,omitempty"`

	// AdminIndexPath is the DuckDB file backing internal/adminindex. If
	// empty, defaults to DataDir/admin.duckdb; ":memory:" disables
	// durability for tests.
	AdminIndexPath string `json:"admin_index_path,omitempty"`

	// BootstrapSecret, if set, lets PUT /v1/config/{projectId} register
	// a brand new project by presenting it via the X-Bootstrap-Secret
	// header instead of a project-scoped token (which can't exist yet
	// for a project that hasn't been created). Leaving it empty disables
	// HTTP-driven project creation entirely; operators then provision
	// projects out of band against the LMDB store directly.
	BootstrapSecret string `json:"bootstrap_secret,omitempty"`

	// LongPollTimeout is the default long-poll suspend duration.
	LongPollTimeout caddy.Duration `json:"long_poll_timeout,omitempty"`

	// SSEPingInterval is how often an idle SSE session emits a
	// keep-alive comment.
	SSEPingInterval caddy.Duration `json:"sse_ping_interval,omitempty"`

	// StreamIdleTimeout controls how long an unused stream actor stays
	// resident before the registry evicts it.
	StreamIdleTimeout caddy.Duration `json:"stream_idle_timeout,omitempty"`

	logger *zap.Logger

	projectStore *project.LMDBStore
	projects     *project.Registry
	registry     *streamactor.Registry
	blobStore    blob.Store
	adminIndex   *adminindex.Index
	fanoutMgr    *fanout.Manager
}

// CaddyModule returns the Caddy module information.
func (Handler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.streamhub",
		New: func() caddy.Module { return new(Handler) },
	}
}

// Provision wires up every backing service: the project registry, the
// stream actor registry, the blob backend, the admin index, and the
// fan-out manager.
func (h *Handler) Provision(ctx caddy.Context) error {
	h.logger = ctx.Logger()

	if h.DataDir == "" {
		return fmt.Errorf("streamhub: data_dir is required")
	}
	if h.LongPollTimeout == 0 {
		h.LongPollTimeout = caddy.Duration(4 * time.Second)
	}
	if h.SSEPingInterval == 0 {
		h.SSEPingInterval = caddy.Duration(55 * time.Second)
	}
	if h.StreamIdleTimeout == 0 {
		h.StreamIdleTimeout = caddy.Duration(10 * time.Minute)
	}

	projectStore, err := project.OpenLMDBStore(h.DataDir + "/projects")
	if err != nil {
		return fmt.Errorf("open project registry: %w", err)
	}
	h.projectStore = projectStore
	h.projects = project.NewRegistry(projectStore)

	blobStore, err := h.openBlobStore()
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	h.blobStore = blobStore

	adminIndexPath := h.AdminIndexPath
	if adminIndexPath == "" {
		adminIndexPath = h.DataDir + "/admin.duckdb"
	}
	idx, err := adminindex.Open(adminIndexPath)
	if err != nil {
		return fmt.Errorf("open admin index: %w", err)
	}
	h.adminIndex = idx

	sugar := h.logger.Sugar()
	h.registry = streamactor.NewRegistry(h.DataDir+"/streams", blobStore, idx, time.Duration(h.StreamIdleTimeout), sugar)
	h.fanoutMgr = fanout.NewManager(h.registry, sugar)

	h.logger.Info("streamhub provisioned",
		zap.String("data_dir", h.DataDir),
		zap.String("blob_backend", h.blobBackendName()))

	return nil
}

func (h *Handler) blobBackendName() string {
	if h.BlobBackend == "" {
		return "local"
	}
	return h.BlobBackend
}

func (h *Handler) openBlobStore() (blob.Store, error) {
	switch h.blobBackendName() {
	case "local":
		return blob.NewLocalFS(h.DataDir + "/blobs")
	case "s3":
		return h.openS3BlobStore()
	default:
		return nil, fmt.Errorf("streamhub: unknown blob_backend %q", h.BlobBackend)
	}
}

// openS3BlobStore resolves an aws.Config the same way the AWS CLI and
// SDK examples do — environment, shared config/credentials file, then
// container/instance role — unless S3AccessKeyID/S3SecretAccessKey
// override it with static credentials, then builds the s3.Client
// internal/blob.S3Store wraps.
func (h *Handler) openS3BlobStore() (blob.Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if h.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(h.S3Region))
	}
	if h.S3AccessKeyID != "" && h.S3SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(h.S3AccessKeyID, h.S3SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg)
	return blob.NewS3Store(client, h.S3Bucket, h.S3Prefix), nil
}

// Validate ensures the handler configuration is internally consistent.
func (h *Handler) Validate() error {
	if h.BlobBackend == "s3" && h.S3Bucket == "" {
		return fmt.Errorf("streamhub: blob_backend s3 requires s3_bucket")
	}
	return nil
}

// Cleanup releases every backing resource.
func (h *Handler) Cleanup() error {
	if h.fanoutMgr != nil {
		h.fanoutMgr.Shutdown()
	}
	var lastErr error
	if h.registry != nil {
		if err := h.registry.Close(); err != nil {
			lastErr = err
		}
	}
	if h.adminIndex != nil {
		if err := h.adminIndex.Close(); err != nil {
			lastErr = err
		}
	}
	if h.projectStore != nil {
		if err := h.projectStore.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// UnmarshalCaddyfile parses:
//
//	streamhub {
//	    data_dir /var/lib/streamhub
//	    blob_backend local
//	    admin_index_path /var/lib/streamhub/admin.duckdb
//	    bootstrap_secret {env.STREAMHUB_BOOTSTRAP_SECRET}
//	    long_poll_timeout 4s
//	    sse_ping_interval 55s
//	    stream_idle_timeout 10m
//	}
func (h *Handler) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "data_dir":
				if !d.Args(&h.DataDir) {
					return d.ArgErr()
				}
			case "blob_backend":
				if !d.Args(&h.BlobBackend) {
					return d.ArgErr()
				}
			case "s3_bucket":
				if !d.Args(&h.S3Bucket) {
					return d.ArgErr()
				}
			case "s3_prefix":
				if !d.Args(&h.S3Prefix) {
					return d.ArgErr()
				}
			case "s3_region":
				if !d.Args(&h.S3Region) {
					return d.ArgErr()
				}
			case "s3_access_key_id":
				if !d.Args(&h.S3AccessKeyID) {
					return d.ArgErr()
				}
			case "s3_secret_access_key":
				if !d.Args(&h.S3SecretAccessKey) {
					return d.ArgErr()
				}
			case "admin_index_path":
				if !d.Args(&h.AdminIndexPath) {
					return d.ArgErr()
				}
			case "bootstrap_secret":
				if !d.Args(&h.BootstrapSecret) {
					return d.ArgErr()
				}
			case "long_poll_timeout":
				if err := parseCaddyDuration(d, &h.LongPollTimeout); err != nil {
					return err
				}
			case "sse_ping_interval":
				if err := parseCaddyDuration(d, &h.SSEPingInterval); err != nil {
					return err
				}
			case "stream_idle_timeout":
				if err := parseCaddyDuration(d, &h.StreamIdleTimeout); err != nil {
					return err
				}
			default:
				return d.Errf("unknown subdirective: %s", d.Val())
			}
		}
	}
	return nil
}

func parseCaddyDuration(d *caddyfile.Dispenser, out *caddy.Duration) error {
	var val string
	if !d.Args(&val) {
		return d.ArgErr()
	}
	dur, err := caddy.ParseDuration(val)
	if err != nil {
		return d.Errf("invalid duration: %v", err)
	}
	*out = caddy.Duration(dur)
	return nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var handler Handler
	err := handler.UnmarshalCaddyfile(h.Dispenser)
	return &handler, err
}

// Interface guards
var (
	_ caddy.Provisioner           = (*Handler)(nil)
	_ caddy.Validator             = (*Handler)(nil)
	_ caddy.CleanerUpper          = (*Handler)(nil)
	_ caddyhttp.MiddlewareHandler = (*Handler)(nil)
	_ caddyfile.Unmarshaler       = (*Handler)(nil)
)
