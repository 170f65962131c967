//go:build windows

package process

import "os"

// Windows has no SIGTERM for console-less children; both paths terminate.
func terminateGroup(p *os.Process) error { return p.Kill() }

func killGroup(p *os.Process) error { return p.Kill() }
