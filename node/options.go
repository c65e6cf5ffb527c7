package node

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/drpcorg/syncmap/codec"
	"github.com/drpcorg/syncmap/protocol"
	"github.com/drpcorg/syncmap/store"
	"github.com/drpcorg/syncmap/utils"
)

type Options struct {
	Name     string
	Log      utils.Logger
	Registry *codec.Registry
	// Store persists hosted owners between Host and Unhost; nil keeps
	// them in memory only.
	Store *store.Store

	TickInterval time.Duration
	// Strict replicas reject updates that arrive before the snapshot.
	Strict bool

	// Outbound queue of a connection: byte limit, wait limit and the
	// batch size of a single write.
	QueueLimit   int
	QueueTimeout time.Duration
	BatchSize    int
	WriteTimeout time.Duration

	CacheSize int
	TLSConfig *tls.Config
}

func (o *Options) SetDefaults() {
	if o.Name == "" {
		o.Name = "node"
	}
	if o.Log == nil {
		o.Log = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if o.Registry == nil {
		o.Registry = codec.Default()
	}
	if o.TickInterval == 0 {
		o.TickInterval = 50 * time.Millisecond
	}
	if o.QueueLimit == 0 {
		o.QueueLimit = 1 << 20
	}
	if o.QueueTimeout == 0 {
		o.QueueTimeout = time.Second
	}
	if o.BatchSize == 0 {
		o.BatchSize = protocol.TYPICAL_MTU
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 10 * time.Second
	}
}
