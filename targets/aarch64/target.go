package aarch64

import "github.com/sysy-lang/sysybe/target"

func init() {
	target.Register(func() target.Target {
		return target.Target{
			Name:    "aarch64",
			ISel:    ISel(),
			Adapter: adapter{},
			Frame:   FrameLowering(),
		}
	}, "aarch64", "armv8", "arm64")
}
