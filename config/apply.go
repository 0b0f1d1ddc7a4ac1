package config

import (
	"reflect"

	"github.com/sacexec/sace/executor"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Apply brings the boot services of next up and stops the services prev
// listed that next drops or changes. prev may be nil on first start.
// Services not started from configuration are never touched.
func Apply(log *zap.SugaredLogger, e *executor.Executor, prev, next *Config) error {
	var errs error
	if prev != nil {
		for _, old := range prev.Services {
			cur, ok := next.Service(old.Name)
			if ok && reflect.DeepEqual(cur, old) {
				continue
			}
			svc, err := e.Service(old.Name)
			if err != nil {
				continue
			}
			if svc.Stop() {
				log.Infow("stopped boot service", "Service", old.Name, "Removed", !ok)
			}
			e.ReleaseService(svc)
		}
	}

	for _, s := range next.Services {
		svc, err := e.CheckService(s.Name, s.Command, s.Param(), executor.WithRestart(s.RestartPolicy()))
		if err != nil {
			log.Errorw("unable to start boot service", "Service", s.Name, "Error", err)
			errs = multierr.Append(errs, err)
			continue
		}
		log.Debugw("boot service up", "Service", s.Name, "State", svc.State().String(), "Pid", svc.Pid())
	}
	return errs
}
