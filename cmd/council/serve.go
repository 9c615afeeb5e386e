package main

import (
	"github.com/spf13/cobra"

	"github.com/basket/go-council/internal/bus"
	"github.com/basket/go-council/internal/config"
	"github.com/basket/go-council/internal/cron"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run agents, the router and scheduled requests until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx, bootOptions{runtime: true})
			if err != nil {
				return err
			}
			defer a.Close()
			log := a.logger

			stop := a.startRuntime(ctx)
			defer stop()

			sched := cron.NewScheduler(cron.Config{Store: a.store, Runner: a.orch, Logger: log})
			if added, err := sched.Sync(ctx, a.cfg.Schedules); err != nil {
				log.Error("schedule sync failed", "error", err)
			} else if added > 0 {
				log.Info("schedules added from config", "count", added)
			}
			sched.Start(ctx)
			defer sched.Stop()

			watcher := config.NewWatcher(a.cfg.HomeDir, log)
			if err := watcher.Start(ctx); err != nil {
				log.Warn("config watcher disabled", "error", err)
			} else {
				go watcher.Follow(ctx, func(cfg config.Config) {
					routes, err := routesFrom(cfg.Router)
					if err != nil {
						log.Warn("route reload rejected", "error", err)
						return
					}
					a.router.SetRoutes(routes)
					a.bus.Publish(bus.TopicConfigReloaded, cfg.Fingerprint())
					log.Info("routes reloaded", "routes", len(routes))
				})
			}

			sub := a.bus.Subscribe("hitl.")
			defer a.bus.Unsubscribe(sub)
			go func() {
				for ev := range sub.Ch() {
					if req, ok := ev.Payload.(bus.HITLRequest); ok {
						log.Warn("human intervention requested", "request_id", req.RequestID, "task_id", req.TaskID, "subtask_id", req.SubTaskID)
					}
				}
			}()

			if pending, err := a.human.Pending(ctx); err == nil && len(pending) > 0 {
				log.Warn("human requests awaiting review", "count", len(pending))
			}
			log.Info("council serving", "home", a.cfg.HomeDir)
			<-ctx.Done()
			log.Info("shutting down")
			return nil
		},
	}
}
