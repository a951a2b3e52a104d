// Command cc boots a Linux kernel inside the package's single-vCPU ARM64
// hypervisor core: it wires the GIC, Generic Timer, PL011 UART, and an
// optional VirtIO-MMIO block device onto one vCPU and drives the exit
// loop until the guest halts, reboots, or the run is canceled.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/pprof"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/cc/internal/devices/arm64/serial"
	"github.com/tinyrange/cc/internal/devices/virtio"
	"github.com/tinyrange/cc/internal/gic"
	"github.com/tinyrange/cc/internal/hv"
	"github.com/tinyrange/cc/internal/hv/hvf"
	arm64 "github.com/tinyrange/cc/internal/linux/boot/arm64"
	"github.com/tinyrange/cc/internal/machine"
	"github.com/tinyrange/cc/internal/mmiobus"
	"github.com/tinyrange/cc/internal/timer"
)

func main() {
	if err := run(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintf(os.Stderr, "cc: %v\n", err)
		os.Exit(1)
	}
}

// exitError carries the process exit code a guest's terminal reason maps
// to, the same shape the teacher's CLI used to pick os.Exit's argument.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// fixCrlf rewrites bare '\n' to "\r\n" so guest console output lines up
// correctly once the host terminal has been put into raw mode.
type fixCrlf struct{ w io.Writer }

func (f *fixCrlf) Write(p []byte) (int, error) {
	if _, err := f.w.Write(bytes.ReplaceAll(p, []byte{'\n'}, []byte{'\r', '\n'})); err != nil {
		return 0, err
	}
	return len(p), nil
}

// config is the YAML machine-configuration file format; every field except
// cpus can also be overridden on the command line.
type config struct {
	MemoryMB int    `yaml:"memory_mb"`
	NumCPUs  int    `yaml:"cpus"`
	Kernel   string `yaml:"kernel"`
	Initrd   string `yaml:"initrd"`
	Disk     string `yaml:"disk"`
	ReadOnly bool   `yaml:"readonly"`
	Cmdline  string `yaml:"cmdline"`
}

func (c config) withDefaults() config {
	out := c
	if out.MemoryMB <= 0 {
		out.MemoryMB = 256
	}
	if out.NumCPUs <= 0 {
		out.NumCPUs = 1
	}
	if out.Cmdline == "" {
		out.Cmdline = "console=ttyAMA0 earlycon=pl011,0x09000000 root=/dev/vda rw"
	}
	return out
}

func loadConfig(path string) (config, error) {
	if path == "" {
		return config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func run() error {
	configPath := flag.String("config", "", "Path to a YAML machine configuration file")
	kernelPath := flag.String("kernel", "", "Path to an ARM64 Linux Image kernel")
	initrdPath := flag.String("initrd", "", "Path to an initramfs image")
	diskPath := flag.String("disk", "", "Path to a raw disk image (exposed as a VirtIO block device)")
	readonly := flag.Bool("readonly", false, "Mount -disk read-only")
	cmdline := flag.String("cmdline", "", "Kernel command line (overrides the config file)")
	memoryMB := flag.Int("memory", 0, "Guest memory size in MB (overrides the config file)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	timeout := flag.Duration("timeout", 0, "Stop the guest after this long (0 disables the timeout)")
	cpuprofile := flag.String("cpuprofile", "", "Write a CPU profile to this file")
	flag.Parse()

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			return fmt.Errorf("create cpu profile: %w", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("start cpu profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(&fixCrlf{w: os.Stderr}, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *kernelPath != "" {
		cfg.Kernel = *kernelPath
	}
	if *initrdPath != "" {
		cfg.Initrd = *initrdPath
	}
	if *diskPath != "" {
		cfg.Disk = *diskPath
	}
	if *readonly {
		cfg.ReadOnly = true
	}
	if *cmdline != "" {
		cfg.Cmdline = *cmdline
	}
	if *memoryMB != 0 {
		cfg.MemoryMB = *memoryMB
	}
	cfg = cfg.withDefaults()

	if cfg.Kernel == "" {
		return fmt.Errorf("a kernel image is required (-kernel or config.kernel)")
	}

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	hypervisor, err := hvf.Open()
	if err != nil {
		return fmt.Errorf("open hypervisor: %w", err)
	}
	defer hypervisor.Close()

	vm, err := hypervisor.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs: 1,
		MemSize: uint64(cfg.MemoryMB) * 1024 * 1024,
		MemBase: 0x4000_0000,
	})
	if err != nil {
		return fmt.Errorf("create virtual machine: %w", err)
	}
	defer vm.Close()

	bus := mmiobus.New(log)
	g := gic.New()
	tm := timer.New()

	aspace := hv.NewAddressSpace(hv.ArchitectureARM64, vm.MemoryBase(), vm.MemorySize())

	if err := attachDevice(aspace, bus, vm, "gic", g); err != nil {
		return err
	}

	uart := serial.New(&fixCrlf{w: os.Stdout}, log)
	if err := attachDevice(aspace, bus, vm, "pl011", uart); err != nil {
		return err
	}

	withVirtioBlk := cfg.Disk != ""
	if withVirtioBlk {
		flags := os.O_RDWR
		if cfg.ReadOnly {
			flags = os.O_RDONLY
		}
		diskFile, err := os.OpenFile(cfg.Disk, flags, 0)
		if err != nil {
			return fmt.Errorf("open disk image %s: %w", cfg.Disk, err)
		}
		defer diskFile.Close()

		blk := virtio.New(diskFile, cfg.ReadOnly, g, log)
		if err := attachDevice(aspace, bus, vm, "virtio-blk", blk); err != nil {
			return err
		}
	}

	initrd, err := readImageWithProgress(cfg.Initrd, "initrd")
	if err != nil {
		return err
	}

	kernelFile, err := os.Open(cfg.Kernel)
	if err != nil {
		return fmt.Errorf("open kernel %s: %w", cfg.Kernel, err)
	}
	defer kernelFile.Close()
	kernelInfo, err := kernelFile.Stat()
	if err != nil {
		return fmt.Errorf("stat kernel %s: %w", cfg.Kernel, err)
	}

	kernel, err := arm64.LoadKernel(kernelFile, kernelInfo.Size())
	if err != nil {
		return fmt.Errorf("load kernel %s: %w", cfg.Kernel, err)
	}

	plan, err := kernel.Prepare(vm, arm64.BootOptions{
		Cmdline:       cfg.Cmdline,
		Initrd:        initrd,
		NumCPUs:       cfg.NumCPUs,
		WithVirtioBlk: withVirtioBlk,
	})
	if err != nil {
		return fmt.Errorf("prepare boot: %w", err)
	}

	restore, err := makeTerminalRaw()
	if err != nil {
		log.Warn("could not enter raw terminal mode", "error", err)
	} else {
		defer restore()
	}

	var termResult *machine.TerminalError
	runErr := vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		if err := plan.ConfigureVCPU(vcpu); err != nil {
			return fmt.Errorf("configure vcpu: %w", err)
		}
		m, err := machine.New(vm, vcpu, bus, g, tm, log)
		if err != nil {
			return fmt.Errorf("construct machine: %w", err)
		}
		t, err := m.Run(ctx)
		termResult = t
		return err
	})

	if runErr != nil {
		return fmt.Errorf("run guest: %w", runErr)
	}

	return exitCodeFor(termResult)
}

// exitCodeFor translates a guest's terminal reason into a process exit
// code: an orderly SYSTEM_OFF or breakpoint halt is success, a requested
// reboot is a distinct non-zero code the caller can act on.
func exitCodeFor(result *machine.TerminalError) error {
	if result == nil {
		return nil
	}
	switch {
	case errors.Is(result.Err, hv.ErrGuestRequestedReboot):
		return &exitError{code: 42, err: result}
	case errors.Is(result.Err, hv.ErrVMHalted):
		return nil
	case errors.Is(result.Err, machine.ErrGuestBreakpoint):
		return nil
	default:
		return &exitError{code: 1, err: result}
	}
}

// attachDevice claims a device's MMIO windows in the address space (which
// rejects overlaps with RAM or other devices), then attaches it to the VM
// and routes its windows on the bus.
func attachDevice(aspace *hv.AddressSpace, bus *mmiobus.Bus, vm hv.VirtualMachine, name string, dev hv.MemoryMappedIODevice) error {
	for _, region := range dev.MMIORegions() {
		if err := aspace.RegisterFixed(name, region.Address, region.Size); err != nil {
			return err
		}
	}
	if err := vm.AddDevice(dev); err != nil {
		return fmt.Errorf("attach %s: %w", name, err)
	}
	if err := bus.Register(name, dev); err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}
	return nil
}

func readImageWithProgress(path, label string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s %s: %w", label, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s %s: %w", label, path, err)
	}

	bar := progressbar.DefaultBytes(info.Size(), fmt.Sprintf("loading %s", label))
	buf := &bytes.Buffer{}
	if _, err := io.Copy(io.MultiWriter(buf, bar), f); err != nil {
		return nil, fmt.Errorf("read %s %s: %w", label, path, err)
	}
	return buf.Bytes(), nil
}

func makeTerminalRaw() (restore func(), err error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, fmt.Errorf("stdin is not a terminal")
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return func() { _ = term.Restore(fd, state) }, nil
}
