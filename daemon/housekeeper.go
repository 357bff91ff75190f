package daemon

import "time"

// StartHousekeeper launches the background goroutine that periodically
// sweeps the Stream Registry for expired entries and then runs the user
// Housekeeping hook, if any (spec.md §4.9). Calling it more than once
// leaks the previous goroutine; callers should start it once per Daemon
// lifetime, typically from the cli layer right after New.
func (d *Daemon) StartHousekeeper(interval time.Duration) {
	if interval <= 0 {
		return
	}

	d.houseStopCh = make(chan struct{})
	d.houseDoneCh = make(chan struct{})

	go func() {
		defer close(d.houseDoneCh)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-d.houseStopCh:
				return
			case t := <-ticker.C:
				d.Streams.Sweep(t)
				if d.Housekeeping != nil {
					d.Housekeeping()
				}
			}
		}
	}()
}

// stopHousekeeper signals the housekeeper goroutine to exit and waits for
// it, if one was ever started.
func (d *Daemon) stopHousekeeper() {
	if d.houseStopCh == nil {
		return
	}
	close(d.houseStopCh)
	<-d.houseDoneCh
}
