package riscv64

import "github.com/sysy-lang/sysybe/target"

func init() {
	target.Register(func() target.Target {
		return target.Target{
			Name:    "riscv64",
			ISel:    ISel(),
			Adapter: adapter{},
			Frame:   FrameLowering(),
		}
	}, "riscv64", "rv64", "riscv")
}
