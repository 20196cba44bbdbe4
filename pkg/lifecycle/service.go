package lifecycle

// Service is the set of lifecycle callbacks an embedding application
// exposes. Callbacks run on the host's transition worker, one at a time.
// They should return quickly and start long-running work on their own
// goroutines.
//
// A callback fails by returning a non-nil error. Return a *CodeError (see
// Fail) to report a specific Win32 code.
type Service interface {
	OnStart(args []string) error
	OnStop() error
	OnPause() error
	OnContinue() error
	OnShutdown() error
}

// Funcs adapts plain functions to Service. A nil field succeeds.
type Funcs struct {
	Start    func(args []string) error
	Stop     func() error
	Pause    func() error
	Continue func() error
	Shutdown func() error
}

func (f Funcs) OnStart(args []string) error {
	if f.Start == nil {
		return nil
	}
	return f.Start(args)
}

func (f Funcs) OnStop() error { return call(f.Stop) }

func (f Funcs) OnPause() error { return call(f.Pause) }

func (f Funcs) OnContinue() error { return call(f.Continue) }

func (f Funcs) OnShutdown() error { return call(f.Shutdown) }

func call(fn func() error) error {
	if fn == nil {
		return nil
	}
	return fn()
}
