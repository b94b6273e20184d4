package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

var errSessionLost = errors.New("election session lost")

// ElectorOptions configures an Elector.
type ElectorOptions struct {
	// Key is the election prefix, e.g. /injector/leader/due-sweep.
	Key        string
	InstanceID string

	// TTL is the session lease in seconds. Default: 30.
	TTL int

	// Retry is the wait before campaigning again after a lost session.
	// Default: 2s.
	Retry time.Duration

	Logger *slog.Logger
}

// term is one successful campaign. lost closes when leadership ends
// involuntarily; resign gives it up.
type term struct {
	lost   <-chan struct{}
	resign func()
}

// Elector keeps campaigning for one election key and reports whether this
// node currently holds it. It satisfies scheduler.Leader.
type Elector struct {
	opts     ElectorOptions
	logger   *slog.Logger
	leader   atomic.Bool
	campaign func(ctx context.Context) (term, error)
}

// NewElector creates an elector over an existing etcd client.
func NewElector(cli *clientv3.Client, opts ElectorOptions) *Elector {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.Retry <= 0 {
		opts.Retry = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	e := &Elector{
		opts:   opts,
		logger: opts.Logger.With("election", opts.Key, "instance_id", opts.InstanceID),
	}
	e.campaign = func(ctx context.Context) (term, error) {
		return etcdCampaign(ctx, cli, opts)
	}
	return e
}

func etcdCampaign(ctx context.Context, cli *clientv3.Client, opts ElectorOptions) (term, error) {
	session, err := concurrency.NewSession(cli,
		concurrency.WithTTL(opts.TTL),
		concurrency.WithContext(ctx),
	)
	if err != nil {
		return term{}, err
	}
	election := concurrency.NewElection(session, opts.Key)
	if err := election.Campaign(ctx, opts.InstanceID); err != nil {
		session.Close()
		return term{}, err
	}
	return term{
		lost: session.Done(),
		resign: func() {
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = election.Resign(rctx)
			session.Close()
		},
	}, nil
}

// IsLeader reports whether this node holds the election.
func (e *Elector) IsLeader() bool {
	return e.leader.Load()
}

// Run campaigns until ctx is canceled, campaigning again whenever the
// session is lost. Leadership is resigned on return.
func (e *Elector) Run(ctx context.Context) {
	for ctx.Err() == nil {
		err := e.hold(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		e.logger.Warn("leader election interrupted", "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(e.opts.Retry):
		}
	}
}

// hold blocks through one campaign and one term. It returns nil when ctx
// ends the term.
func (e *Elector) hold(ctx context.Context) error {
	t, err := e.campaign(ctx)
	if err != nil {
		return err
	}
	e.leader.Store(true)
	e.logger.Info("elected leader")
	defer func() {
		e.leader.Store(false)
		t.resign()
	}()

	select {
	case <-ctx.Done():
		e.logger.Info("resigning leadership")
		return nil
	case <-t.lost:
		return errSessionLost
	}
}
