package notify

import (
	"log/slog"

	"github.com/gen2brain/beeep"
)

// LogSink writes statuses to logger.
func LogSink(logger *slog.Logger) Sink {
	return func(s Status) error {
		switch s.Key {
		case StatusSuccess, StatusInfo:
			logger.Info("[STATUS] "+s.Text, "key", s.Key)
		case StatusWarning:
			logger.Warn("[STATUS] "+s.Text, "key", s.Key)
		default:
			logger.Error("[STATUS] "+s.Text, "key", s.Key)
		}
		return nil
	}
}

// DesktopSink shows statuses as desktop notifications. Errors raise an
// alert; informational statuses are skipped.
func DesktopSink(title string) Sink {
	return func(s Status) error {
		switch s.Key {
		case StatusInfo:
			return nil
		case StatusSuccess, StatusWarning:
			return beeep.Notify(title, s.Text, "")
		default:
			return beeep.Alert(title, s.Text, "")
		}
	}
}

// Tee fans a status out to several sinks, stopping at the first error.
func Tee(sinks ...Sink) Sink {
	return func(s Status) error {
		for _, sink := range sinks {
			if sink == nil {
				continue
			}
			if err := sink(s); err != nil {
				return err
			}
		}
		return nil
	}
}
