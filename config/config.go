// Package config reads the run files of the gokde command. Files ending in
// .toml are decoded as TOML; anything else is read as a gcfg (ini style)
// file. Both fill the same sections:
//
//	[Index]  Dim, Bins, MaxWindowSize, Spherical, CenterX/Y/Z
//	[Kernel] BandwidthX/Y, Cutoff, Method, ReflectXLow/XHigh/YLow/YHigh
//	[Input]  File, XColumn, YColumn, ValueColumn, MaskColumn, WeightColumn
//	[Output] File, Plot, PlotBackend
//	[Run]    Ranks, Partition, Conserve
package config

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/gcfg.v1"

	"github.com/notargets/gokde/kde"
	"github.com/notargets/gokde/partitions"
	"github.com/notargets/gokde/plotting"
	"github.com/notargets/gokde/quickindex"
)

type Config struct {
	Index  IndexConfig
	Kernel KernelConfig
	Input  InputConfig
	Output OutputConfig
	Run    RunConfig
}

type IndexConfig struct {
	// Required
	Dim int

	// Optional
	Bins                      int
	MaxWindowSize             float64 // Zero means twice the largest bandwidth
	Spherical                 bool
	CenterX, CenterY, CenterZ float64
}

type KernelConfig struct {
	// Required. These are bandwidths h, not inverse bandwidths.
	BandwidthX, BandwidthY float64

	// Optional
	Cutoff                                               float64
	Method                                               string
	ReflectXLow, ReflectXHigh, ReflectYLow, ReflectYHigh bool
}

type InputConfig struct {
	// Required
	File        string
	XColumn     int
	ValueColumn int

	// Optional, -1 when absent
	YColumn      int
	MaskColumn   int
	WeightColumn int // Required by the weighted method
}

type OutputConfig struct {
	// Required
	File string

	// Optional
	Plot        string
	PlotBackend string
}

type RunConfig struct {
	Ranks     int
	Partition string
	Conserve  bool
}

// Defaults returns a Config holding every optional value. Files are read
// on top of it.
func Defaults() *Config {
	return &Config{
		Index:  IndexConfig{Dim: 1, Bins: 10},
		Kernel: KernelConfig{Method: kde.MethodStandard.String()},
		Input:  InputConfig{YColumn: -1, MaskColumn: -1, WeightColumn: -1, ValueColumn: -1},
		Output: OutputConfig{PlotBackend: plotting.BackendGonum.String()},
		Run:    RunConfig{Ranks: 1, Partition: partitions.BlockPartition.String(), Conserve: true},
	}
}

// ReadFile reads and checks the run file fname
func ReadFile(fname string) (*Config, error) {
	cfg := Defaults()
	if strings.EqualFold(filepath.Ext(fname), ".toml") {
		md, err := toml.DecodeFile(fname, cfg)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", fname, err)
		}
		if extra := md.Undecoded(); len(extra) > 0 {
			return nil, fmt.Errorf("reading %s: unknown key '%s'", fname, extra[0])
		}
	} else if err := gcfg.ReadFileInto(cfg, fname); err != nil {
		return nil, fmt.Errorf("reading %s: %w", fname, err)
	}
	if err := cfg.CheckInit(); err != nil {
		return nil, fmt.Errorf("%s: %w", fname, err)
	}
	return cfg, nil
}

// CheckInit validates the configuration and fills in derived defaults
func (cfg *Config) CheckInit() error {
	idx, ker := &cfg.Index, &cfg.Kernel
	if idx.Dim != 1 && idx.Dim != 2 {
		return fmt.Errorf("Index.Dim must be 1 or 2, but is %d", idx.Dim)
	}
	if idx.Bins < 1 {
		return fmt.Errorf("Index.Bins must be positive, but is %d", idx.Bins)
	}
	if idx.Spherical && idx.Dim != 2 {
		return fmt.Errorf("a spherical index needs Index.Dim = 2")
	}

	if !(ker.BandwidthX > 0) {
		return fmt.Errorf("need to specify a positive Kernel.BandwidthX")
	}
	if idx.Dim == 2 && !(ker.BandwidthY > 0) {
		return fmt.Errorf("need to specify a positive Kernel.BandwidthY for a 2D index")
	}
	if ker.Cutoff < 0 {
		return fmt.Errorf("Kernel.Cutoff must be non-negative, but is %g", ker.Cutoff)
	}
	method, err := kde.ParseMethod(ker.Method)
	if err != nil {
		return fmt.Errorf("Kernel.Method: %w", err)
	}
	if idx.Spherical && (ker.ReflectXLow || ker.ReflectXHigh) {
		return fmt.Errorf("Kernel.ReflectX* set on a spherical index: %w", kde.ErrRadialReflection)
	}

	if idx.MaxWindowSize < 0 {
		return fmt.Errorf("Index.MaxWindowSize must be non-negative, but is %g", idx.MaxWindowSize)
	} else if idx.MaxWindowSize == 0 {
		idx.MaxWindowSize = 2 * math.Max(ker.BandwidthX, ker.BandwidthY)
	}

	in := &cfg.Input
	if in.File == "" {
		return fmt.Errorf("need to specify an Input.File")
	}
	if in.XColumn < 0 || in.ValueColumn < 0 {
		return fmt.Errorf("need to specify non-negative Input.XColumn and Input.ValueColumn")
	}
	if idx.Dim == 2 && in.YColumn < 0 {
		return fmt.Errorf("need to specify Input.YColumn for a 2D index")
	}
	if method == kde.MethodWeighted && in.WeightColumn < 0 {
		return fmt.Errorf("need to specify Input.WeightColumn for the %s method", method)
	}

	if cfg.Output.File == "" {
		return fmt.Errorf("need to specify an Output.File")
	}
	if _, err := plotting.ParseBackend(cfg.Output.PlotBackend); err != nil {
		return fmt.Errorf("Output.PlotBackend: %w", err)
	}

	if cfg.Run.Ranks < 1 {
		return fmt.Errorf("Run.Ranks must be positive, but is %d", cfg.Run.Ranks)
	}
	if _, err := partitions.ParseStrategy(cfg.Run.Partition); err != nil {
		return fmt.Errorf("Run.Partition: %w", err)
	}
	return nil
}

// Columns lists the table columns to read, in the order x, [y,] value,
// [mask,] [weight]
func (cfg *Config) Columns() []int {
	cols := []int{cfg.Input.XColumn}
	if cfg.Index.Dim == 2 {
		cols = append(cols, cfg.Input.YColumn)
	}
	cols = append(cols, cfg.Input.ValueColumn)
	if cfg.Input.MaskColumn >= 0 {
		cols = append(cols, cfg.Input.MaskColumn)
	}
	if cfg.Input.WeightColumn >= 0 {
		cols = append(cols, cfg.Input.WeightColumn)
	}
	return cols
}

// InverseBandwidth is the per point inverse bandwidth of the kernel
func (cfg *Config) InverseBandwidth() [3]float64 {
	var ih [3]float64
	ih[0] = 1 / cfg.Kernel.BandwidthX
	if cfg.Index.Dim == 2 {
		ih[1] = 1 / cfg.Kernel.BandwidthY
	}
	return ih
}

func (cfg *Config) KernelOptions() kde.Options {
	k := cfg.Kernel
	return kde.Options{
		ReflectBoundary:     [6]bool{k.ReflectXLow, k.ReflectXHigh, k.ReflectYLow, k.ReflectYHigh},
		DiscontinuityCutoff: k.Cutoff,
	}
}

// IndexOptions builds the index options for one rank's locations
func (cfg *Config) IndexOptions(locs [][3]float64) quickindex.Options {
	idx := cfg.Index
	return quickindex.Options{
		Dim:              idx.Dim,
		Locations:        locs,
		MaxWindowSize:    idx.MaxWindowSize,
		BinsPerDimension: idx.Bins,
		DomainDecomposed: cfg.Run.Ranks > 1,
		Spherical:        idx.Spherical,
		SphereCenter:     [3]float64{idx.CenterX, idx.CenterY, idx.CenterZ},
	}
}

// Method, Backend and Strategy return the parsed names. CheckInit has
// already rejected unknown ones.
func (cfg *Config) Method() kde.Method {
	m, _ := kde.ParseMethod(cfg.Kernel.Method)
	return m
}

func (cfg *Config) Backend() plotting.Backend {
	b, _ := plotting.ParseBackend(cfg.Output.PlotBackend)
	return b
}

func (cfg *Config) Strategy() partitions.PartitionStrategy {
	s, _ := partitions.ParseStrategy(cfg.Run.Partition)
	return s
}
