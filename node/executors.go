package node

import (
	"log/slog"
	"net/http"

	"github.com/zero-day-ai/injector/callback"
	"github.com/zero-day-ai/injector/config"
	"github.com/zero-day-ai/injector/executor"
	"github.com/zero-day-ai/injector/executor/crowdstrike"
	"github.com/zero-day-ai/injector/executor/implant"
	"github.com/zero-day-ai/injector/executor/lade"
	"github.com/zero-day-ai/injector/executor/manual"
	"github.com/zero-day-ai/injector/executor/opencti"
	"github.com/zero-day-ai/injector/executor/sms"
	"github.com/zero-day-ai/injector/executor/tanium"
	"github.com/zero-day-ai/injector/expectation"
	"github.com/zero-day-ai/injector/remote"
	"github.com/zero-day-ai/injector/render"
	"github.com/zero-day-ai/injector/types"
)

// registerExecutors registers the manual and implant executors, plus one
// executor per configured platform. It returns the workflow pollers keyed by
// the inject type whose pending statuses they resolve.
func registerExecutors(reg *executor.Registry, cfg *config.Config, tracker *expectation.Tracker, transport http.RoundTripper, logger *slog.Logger) map[string]callback.Poller {
	envelope := func(backend, baseURL string) *remote.Client {
		return remote.NewClient(remote.Options{
			Backend:   backend,
			BaseURL:   baseURL,
			Timeout:   cfg.Remote.GetTimeout(),
			Attempts:  cfg.Remote.GetAttempts(),
			Backoff:   cfg.Remote.GetBackoff(),
			Transport: transport,
			Logger:    logger,
		})
	}
	ex := cfg.Executors
	pollers := map[string]callback.Poller{}

	reg.Register(manual.Type, manual.New(tracker))

	implantOpts := []implant.Option{
		implant.WithLogger(logger),
		implant.WithConcurrency(cfg.Scheduler.GetConcurrency()),
	}
	if cs := ex.CrowdStrike; cs != nil {
		client := crowdstrike.NewClient(crowdstrike.Config{
			APIURL:       cs.APIURL,
			ClientID:     cs.ClientID,
			ClientSecret: cs.ClientSecret,
		}, envelope("crowdstrike", cs.APIURL))
		implantOpts = append(implantOpts, implant.WithCrowdStrike(crowdstrike.NewLauncher(client, crowdstrike.Options{
			WindowsScriptName: cs.WindowsScriptName,
			UnixScriptName:    cs.UnixScriptName,
			PageSize:          cs.BatchSize,
			PageInterval:      cs.GetBatchInterval(),
			Logger:            logger,
		})))
	}
	if t := ex.Tanium; t != nil {
		client := tanium.NewClient(tanium.Config{
			GatewayURL:    t.GatewayURL,
			APIKey:        t.APIKey,
			ActionGroupID: t.ActionGroupID,
		}, envelope("tanium", t.GatewayURL))
		implantOpts = append(implantOpts, implant.WithLauncher(types.ExecutorTanium, tanium.NewLauncher(client, tanium.Packages{
			Windows: t.WindowsPackageID,
			Unix:    t.UnixPackageID,
		}, logger)))
	}
	reg.Register(implant.Type, implant.New(tracker, implantOpts...))

	if l := ex.Lade; l != nil {
		client := lade.NewClient(lade.Config{
			URL:      l.URL,
			Username: l.Username,
			Password: l.Password,
		}, envelope("lade", l.URL))
		reg.Register(lade.Type, lade.New(client, tracker, logger))
		pollers[lade.Type] = client
	}
	if o := ex.OpenCTI; o != nil {
		client := opencti.NewClient(opencti.Config{URL: o.URL, Token: o.Token}, envelope("opencti", o.URL))
		reg.Register(opencti.Type, opencti.New(client, tracker, logger))
	}
	if s := ex.SMS; s != nil {
		client := sms.NewClient(sms.Config{
			Endpoint:          s.Endpoint,
			ApplicationKey:    s.ApplicationKey,
			ApplicationSecret: s.ApplicationSecret,
			ConsumerKey:       s.ConsumerKey,
			Service:           s.Service,
			Sender:            s.Sender,
		}, envelope("ovh", s.Endpoint))
		reg.Register(sms.Type, sms.New(client, tracker, render.New(), logger))
	}
	return pollers
}
