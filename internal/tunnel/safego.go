package tunnel

import "log"

// safeGo starts fn in a new goroutine, recovering any panic so one
// failing per-connection or subordinate task can never take down the
// actor's Run goroutine with it.
func safeGo(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("tunnel: recovered from panic in goroutine: %v", r)
			}
		}()
		fn()
	}()
}
