package main

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/DiegoSheetszu/Cadastrei/internal/apiclient"
	"github.com/DiegoSheetszu/Cadastrei/internal/config"
	"github.com/DiegoSheetszu/Cadastrei/internal/outbox"
	"github.com/DiegoSheetszu/Cadastrei/internal/registry"
	"github.com/DiegoSheetszu/Cadastrei/internal/runner"
	"github.com/DiegoSheetszu/Cadastrei/internal/service/dispatchservice"
)

func newDispatchCommand() *cobra.Command {
	var (
		once        bool
		interval    int
		batch       int
		maxAttempts int
		clientID    string
		endpointID  string
		endpointURL string
		noRegistry  bool
	)

	cmd := &cobra.Command{
		Use:   "dispatch motoristas|afastamentos|all",
		Short: "Deliver pending outbox events to the downstream API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var types []string
			if args[0] == "all" {
				types = []string{registry.TypeEmployee, registry.TypeLeave}
			} else {
				typ, err := eventType(args[0])
				if err != nil {
					return err
				}
				types = []string{typ}
			}
			if len(types) > 1 && (endpointID != "" || endpointURL != "") {
				return errors.New("--endpoint-id and --endpoint-url need a single event type")
			}
			if noRegistry && (clientID != "" || endpointID != "") {
				return errors.New("--sem-registry cannot be combined with --cliente-id or --endpoint-id")
			}

			cfg, err := loadApp()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			tgt, err := openTarget(ctx, cfg)
			if err != nil {
				return err
			}
			defer tgt.Close()

			d := newDispatcher(cfg, tgt, log.With().Str("worker", "dispatch").Logger())
			if !noRegistry {
				d.reg = openRegistry(cfg)
			}
			d.types = types
			d.clientID = clientID
			d.endpointID = endpointID
			d.endpointURL = endpointURL
			if batch > 0 {
				d.employeeBatch, d.leaveBatch = batch, batch
			}
			if maxAttempts > 0 {
				d.maxAttempts = maxAttempts
			}

			if once {
				_, err := d.runCycle(ctx)
				return err
			}
			every := cfg.Dispatch.Interval
			if interval > 0 {
				every = time.Duration(interval) * time.Second
			}
			return runner.New("dispatch", every, nil, log.Logger).Run(ctx, func(ctx context.Context) error {
				_, err := d.runCycle(ctx)
				return err
			})
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	cmd.Flags().IntVar(&interval, "interval", 0, "seconds between cycles (default from the environment)")
	cmd.Flags().IntVar(&batch, "batch", 0, "events claimed per cycle (default from the environment)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "delivery attempts before giving up (default from the environment)")
	cmd.Flags().StringVar(&clientID, "cliente-id", "", "registry client to dispatch for (default: active client)")
	cmd.Flags().StringVar(&endpointID, "endpoint-id", "", "restrict dispatch to one registry endpoint")
	cmd.Flags().StringVar(&endpointURL, "endpoint-url", "", "bypass the registry and post to this endpoint path")
	cmd.Flags().BoolVar(&noRegistry, "sem-registry", false, "ignore the client registry and use the env endpoints")
	return cmd
}

// dispatcher runs one delivery pass per selected endpoint. Queue handles
// and API clients are cached across cycles so prepared statements and
// bearer tokens survive between passes.
type dispatcher struct {
	cfg *config.Config
	db  *sql.DB
	reg *registry.Registry // nil when the registry is disabled
	log zerolog.Logger

	types       []string
	clientID    string
	endpointID  string
	endpointURL string

	employeeBatch int
	leaveBatch    int
	maxAttempts   int

	queues  map[string]*outbox.Queue
	clients map[string]*apiclient.Client
}

func newDispatcher(cfg *config.Config, db *sql.DB, log zerolog.Logger) *dispatcher {
	return &dispatcher{
		cfg:           cfg,
		db:            db,
		log:           log,
		types:         []string{registry.TypeEmployee, registry.TypeLeave},
		employeeBatch: cfg.Dispatch.EmployeeBatch,
		leaveBatch:    cfg.Dispatch.LeaveBatch,
		maxAttempts:   cfg.Dispatch.MaxAttempts,
		queues:        map[string]*outbox.Queue{},
		clients:       map[string]*apiclient.Client{},
	}
}

// runCycle resolves the client profile, selects the endpoints of every
// requested type and runs one dispatch pass per endpoint. The profile is
// re-resolved on every cycle, so registry edits and set-active take
// effect without a restart.
func (d *dispatcher) runCycle(ctx context.Context) (dispatchservice.DispatchReport, error) {
	var total dispatchservice.DispatchReport

	var profile *registry.Profile
	if d.reg != nil {
		var err error
		profile, err = d.reg.Resolve(d.clientID)
		if err != nil {
			return total, err
		}
	}

	for _, typ := range d.types {
		eps, err := registry.SelectEndpoints(profile, d.selection(typ))
		if err != nil {
			return total, err
		}
		for _, ep := range eps {
			rep, err := d.pass(ctx, profile, typ, ep)
			total.Merge(rep)
			if err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

func (d *dispatcher) selection(typ string) registry.Selection {
	sel := registry.Selection{
		Type:         typ,
		OverridePath: d.endpointURL,
		EndpointID:   d.endpointID,
	}
	if typ == registry.TypeEmployee {
		sel.DefaultPath = d.cfg.API.EmployeeEndpoint
		sel.DefaultTable = d.cfg.Target.EmployeeTable
	} else {
		sel.DefaultPath = d.cfg.API.LeaveEndpoint
		sel.DefaultTable = d.cfg.Target.LeaveTable
	}
	return sel
}

// pass drains one claim batch of one outbox table into one endpoint.
func (d *dispatcher) pass(ctx context.Context, profile *registry.Profile, typ string, ep registry.Endpoint) (dispatchservice.DispatchReport, error) {
	table := ep.TargetTable
	if table == "" {
		if typ == registry.TypeEmployee {
			table = d.cfg.Target.EmployeeTable
		} else {
			table = d.cfg.Target.LeaveTable
		}
	}
	queue, err := d.queue(ctx, typ, table)
	if err != nil {
		return dispatchservice.DispatchReport{}, err
	}
	api, err := d.client(profile)
	if err != nil {
		return dispatchservice.DispatchReport{}, err
	}

	settings := dispatchservice.Settings{
		MaxAttempts: d.maxAttempts,
		LockTimeout: d.cfg.Dispatch.LockTimeout,
		RetryBase:   d.cfg.Dispatch.RetryBase,
		RetryMax:    d.cfg.Dispatch.RetryMax,
		DefaultCity: d.cfg.API.DefaultCity,
		DefaultUF:   d.cfg.API.DefaultUF,
		UnionName:   d.cfg.API.UnionName,
		UnionCNPJ:   d.cfg.API.UnionCNPJ,
		UnionCity:   d.cfg.API.UnionCity,
		UnionUF:     d.cfg.API.UnionUF,
	}
	var svc *dispatchservice.DispatchService
	if typ == registry.TypeEmployee {
		settings.EmployeeEndpoint = ep.Path
		settings.EmployeeBatch = d.employeeBatch
		settings.EmployeeRules = ep.Mapping
		svc = dispatchservice.NewDispatchService(queue, nil, api, nil, settings, d.log)
	} else {
		settings.LeaveEndpoint = ep.Path
		settings.LeaveBatch = d.leaveBatch
		settings.LeaveRules = ep.Mapping
		svc = dispatchservice.NewDispatchService(nil, queue, api, nil, settings, d.log)
	}
	return svc.RunOneCycle(ctx)
}

func (d *dispatcher) queue(ctx context.Context, typ, table string) (*outbox.Queue, error) {
	key := typ + ":" + table
	if q, ok := d.queues[key]; ok {
		return q, nil
	}
	spec := outbox.EmployeeQueueSpec()
	if typ == registry.TypeLeave {
		spec = outbox.LeaveQueueSpec()
	}
	q, err := outbox.NewQueue(ctx, d.db, d.cfg.Target.Schema, table, spec, d.log)
	if err != nil {
		return nil, err
	}
	d.queues[key] = q
	return q, nil
}

// client returns the API client for one profile, building it on first
// use. Blank profile fields fall back to the env credentials; a nil
// profile means the env client.
func (d *dispatcher) client(profile *registry.Profile) (*apiclient.Client, error) {
	opts := apiclient.Options{
		LoginURL:   d.cfg.API.LoginURL,
		BaseURL:    d.cfg.API.BaseURL,
		User:       d.cfg.API.User,
		Password:   d.cfg.API.Password,
		Timeout:    d.cfg.API.Timeout,
		ProbePorts: d.cfg.API.ProbePorts,
	}
	key := "env"
	if profile != nil {
		key = profile.ID
		if profile.LoginURL != "" {
			opts.LoginURL = profile.LoginURL
		}
		if profile.BaseURL != "" {
			opts.BaseURL = profile.BaseURL
		}
		if profile.User != "" {
			opts.User = profile.User
		}
		if profile.Password != "" {
			opts.Password = profile.Password
		}
		if profile.TimeoutSeconds > 0 {
			opts.Timeout = profile.Timeout()
		}
	}
	if c, ok := d.clients[key]; ok {
		return c, nil
	}
	c, err := apiclient.New(opts, d.log)
	if err != nil {
		return nil, err
	}
	d.clients[key] = c
	return c, nil
}
