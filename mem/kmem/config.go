package kmem

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/joshuapare/memkit/internal/buf"
	"github.com/joshuapare/memkit/mem"
	"github.com/joshuapare/memkit/mem/slab"
)

// HeapKind selects the general-purpose heap strategy.
type HeapKind string

const (
	// HeapSlab routes allocations to power-of-two object caches.
	// Best for: targets with an MMU and enough RAM to keep one extent per class.
	HeapSlab HeapKind = "slab"

	// HeapFreeList uses segregated free lists with coalescing.
	// Best for: microcontrollers where per-class extents waste too much RAM.
	HeapFreeList HeapKind = "freelist"
)

// Region is a physical range.
type Region struct {
	Base mem.PhysAddr `yaml:"base"`
	Size uint64       `yaml:"size"`
}

// End returns the first address past the region.
func (r Region) End() mem.PhysAddr { return r.Base + mem.PhysAddr(r.Size) }

// Config describes one target's memory layout and allocator tuning.
//
// Use a profile (ProfileCortexA, ProfileCortexM) or LoadConfig.
type Config struct {
	// Name identifies the profile in logs and stats.
	Name string `yaml:"name"`

	// RAMBase and RAMSize describe physical RAM. RAMBase must be page aligned.
	RAMBase mem.PhysAddr `yaml:"ram_base"`
	RAMSize uint64       `yaml:"ram_size"`

	// PageSize is the page allocator and MMU granule, a power of two.
	// Default: 4096
	PageSize uint64 `yaml:"page_size"`

	// KernelImage is reserved at boot and identity mapped into the kernel
	// address space. A zero size reserves nothing.
	KernelImage Region `yaml:"kernel_image"`

	// VirtBase and VirtLimit bound the kernel address space. User address
	// spaces cover [PageSize, VirtBase).
	VirtBase  mem.VirtAddr `yaml:"virt_base"`
	VirtLimit mem.VirtAddr `yaml:"virt_limit"`

	// SlabMin and SlabMax are the smallest and largest slab classes.
	// Default: 16 and 8192
	SlabMin uint64 `yaml:"slab_min"`
	SlabMax uint64 `yaml:"slab_max"`

	// WordSize is the machine word: 4 or 8. It sizes allocation tags and
	// poison words.
	// Default: 8
	WordSize uint64 `yaml:"word_size"`

	// Heap selects the heap strategy.
	// Default: HeapSlab
	Heap HeapKind `yaml:"heap"`

	// MaxSegments caps the segment table of every address space (0 = no cap).
	MaxSegments int `yaml:"max_segments"`

	// MMUEntries caps the software MMU's translations (0 = no cap). Ignored
	// when Boot is given a driver with WithMMU.
	MMUEntries int `yaml:"mmu_entries"`

	// Poison fills freed slab objects with a pattern and checks it on reuse.
	Poison bool `yaml:"poison"`
}

// ProfileCortexA is an application-class target: 4 KiB pages, 64-bit words,
// slab heap.
var ProfileCortexA = Config{
	Name:        "cortex-a",
	RAMBase:     0x4000_0000,
	RAMSize:     16 << 20,
	PageSize:    4096,
	KernelImage: Region{Base: 0x4000_0000, Size: 1 << 20},
	VirtBase:    0x0800_0000,
	VirtLimit:   0xC000_0000,
	SlabMin:     slab.MinObject,
	SlabMax:     slab.MaxObject,
	WordSize:    8,
	Heap:        HeapSlab,
	MaxSegments: 256,
	MMUEntries:  8192,
}

// ProfileCortexM is a microcontroller target: 1 KiB pages, 32-bit words,
// free-list heap, small segment and translation tables.
var ProfileCortexM = Config{
	Name:        "cortex-m",
	RAMBase:     0x2000_0000,
	RAMSize:     256 << 10,
	PageSize:    1024,
	KernelImage: Region{Base: 0x2000_0000, Size: 32 << 10},
	VirtBase:    0x0010_0000,
	VirtLimit:   0x6000_0000,
	SlabMin:     16,
	SlabMax:     1024,
	WordSize:    4,
	Heap:        HeapFreeList,
	MaxSegments: 32,
	MMUEntries:  512,
}

// Profiles lists the built-in profiles by name.
var Profiles = map[string]Config{
	ProfileCortexA.Name: ProfileCortexA,
	ProfileCortexM.Name: ProfileCortexM,
}

// ProfileNames returns the built-in profile names in sorted order.
func ProfileNames() []string {
	names := make([]string, 0, len(Profiles))
	for n := range Profiles {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// DefaultConfig returns the default profile.
func DefaultConfig() Config {
	return ProfileCortexA
}

// LoadConfig reads a YAML config file. A `profile` key names a built-in
// profile whose values fill every field the file leaves unset.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("kmem: read config: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("kmem: %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes YAML config data. See LoadConfig.
func ParseConfig(data []byte) (Config, error) {
	var head struct {
		Profile string `yaml:"profile"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg := DefaultConfig()
	if head.Profile != "" {
		p, ok := Profiles[head.Profile]
		if !ok {
			return Config{}, fmt.Errorf("unknown profile %q (have %v)", head.Profile, ProfileNames())
		}
		cfg = p
	}
	// Decoding over the profile leaves absent keys untouched.
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Marshal renders cfg as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !mem.IsPowerOfTwo(c.PageSize) {
		add("page_size %d is not a power of two", c.PageSize)
	} else {
		if uint64(c.RAMBase)%c.PageSize != 0 {
			add("ram_base %v is not page aligned", c.RAMBase)
		}
		if c.RAMSize < c.PageSize {
			add("ram_size %d is smaller than one page", c.RAMSize)
		}
		if uint64(c.KernelImage.Base)%c.PageSize != 0 {
			add("kernel_image.base %v is not page aligned", c.KernelImage.Base)
		}
		if uint64(c.VirtBase)%c.PageSize != 0 || uint64(c.VirtLimit)%c.PageSize != 0 {
			add("virtual window [%v, %v) is not page aligned", c.VirtBase, c.VirtLimit)
		}
		if c.VirtBase <= mem.VirtAddr(c.PageSize) {
			add("virt_base %v leaves no room for user address spaces", c.VirtBase)
		}
	}
	if _, ok := buf.AddOverflowSafe(uint64(c.RAMBase), c.RAMSize); !ok {
		add("ram range overflows")
	}
	if c.KernelImage.Size > 0 &&
		(c.KernelImage.Base < c.RAMBase || c.KernelImage.End() > c.RAMBase+mem.PhysAddr(c.RAMSize)) {
		add("kernel image [%v, %v) lies outside RAM", c.KernelImage.Base, c.KernelImage.End())
	}
	if c.VirtBase >= c.VirtLimit {
		add("virt_base %v is not below virt_limit %v", c.VirtBase, c.VirtLimit)
	}
	if c.WordSize != 4 && c.WordSize != 8 {
		add("word_size %d must be 4 or 8", c.WordSize)
	}
	if !mem.IsPowerOfTwo(c.SlabMin) || !mem.IsPowerOfTwo(c.SlabMax) || c.SlabMin > c.SlabMax {
		add("slab classes %d..%d must be ascending powers of two", c.SlabMin, c.SlabMax)
	} else if c.SlabMin <= c.WordSize {
		add("slab_min %d leaves no room past the %d-byte tag", c.SlabMin, c.WordSize)
	}
	switch c.Heap {
	case HeapSlab, HeapFreeList:
	default:
		add("heap %q must be %q or %q", c.Heap, HeapSlab, HeapFreeList)
	}
	if c.MaxSegments < 0 || (c.MaxSegments > 0 && c.MaxSegments < 3) {
		add("max_segments %d must be 0 or at least 3", c.MaxSegments)
	}
	if c.MMUEntries < 0 {
		add("mmu_entries %d is negative", c.MMUEntries)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("kmem: invalid config %q: %w", c.Name, errors.Join(errs...))
}
