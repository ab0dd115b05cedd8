package monitor

import (
	"context"
	"fmt"

	"github.com/chaz8081/gostt-bridge/internal/audio"
)

// Resolution is the device pair found by Resolve. Others is nil when no
// loopback device exists; the OTHERS source is then disabled.
type Resolution struct {
	Me     *audio.Descriptor
	Others *audio.Descriptor
}

// For returns the descriptor for source.
func (r Resolution) For(source audio.Source) *audio.Descriptor {
	switch source {
	case audio.SourceMe:
		return r.Me
	case audio.SourceOthers:
		return r.Others
	}
	return nil
}

// Resolve queries dir for the microphone and, if includeOthers, the
// loopback device. A missing microphone is an error; a missing loopback
// is not. Host queries that outlive ctx are abandoned.
func Resolve(ctx context.Context, dir *audio.Directory, includeOthers bool) (Resolution, error) {
	type outcome struct {
		res Resolution
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		me, ok := dir.FindDefaultInput()
		if !ok {
			done <- outcome{err: ErrNoInput}
			return
		}
		res := Resolution{Me: me}
		if includeOthers {
			if others, ok := dir.FindDefaultLoopback(); ok {
				res.Others = others
			}
		}
		done <- outcome{res: res}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return Resolution{}, fmt.Errorf("monitor: device query: %w", ctx.Err())
	}
}
