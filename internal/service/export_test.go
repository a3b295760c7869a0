package service

// SetLookPath replaces the $PATH lookup of l.
func (l *Launcher) SetLookPath(fn func(string) (string, error)) {
	l.lookPath = fn
}
