package registry

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pausenow/pingwatch/internal/types"
	"gopkg.in/yaml.v3"
)

// MemoryStore is an in-process Registry, used for single-node deployments and tests
type MemoryStore struct {
	mu       sync.RWMutex
	families map[string]*types.Family
	order    []string
}

// NewMemoryStore creates a store holding the given families
func NewMemoryStore(families ...types.Family) *MemoryStore {
	s := &MemoryStore{families: make(map[string]*types.Family)}
	for _, f := range families {
		s.Put(f)
	}
	return s
}

// seedFile is the on-disk layout accepted by LoadSeedFile
type seedFile struct {
	Families []types.Family `yaml:"families"`
}

// LoadSeedFile creates a memory store from a YAML file of families
func LoadSeedFile(path string) (*MemoryStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parsing seed file %s: %w", path, err)
	}
	for i, f := range seed.Families {
		if f.ID == "" {
			return nil, fmt.Errorf("seed family[%d]: id is required", i)
		}
		for j, d := range f.Devices {
			if d.ID == "" {
				return nil, fmt.Errorf("seed family %s device[%d]: id is required", f.ID, j)
			}
		}
	}
	return NewMemoryStore(seed.Families...), nil
}

// Put inserts or replaces a family. Registration flows own this, not the sweep.
func (s *MemoryStore) Put(f types.Family) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := copyFamily(f)
	for i := range cp.Devices {
		cp.Devices[i].FamilyID = cp.ID
		if cp.Devices[i].LivenessState == "" {
			cp.Devices[i].LivenessState = types.StateUnknown
		}
	}
	if _, exists := s.families[cp.ID]; !exists {
		s.order = append(s.order, cp.ID)
	}
	s.families[cp.ID] = &cp
}

// Device returns a copy of a single device
func (s *MemoryStore) Device(key types.DeviceKey) (types.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, err := s.lookup(key)
	if err != nil {
		return types.Device{}, err
	}
	return copyDevice(*d), nil
}

// Families implements Registry
func (s *MemoryStore) Families(ctx context.Context) ([]types.Family, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Family, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, copyFamily(*s.families[id]))
	}
	return out, nil
}

// UpdateProbeSent implements Registry
func (s *MemoryStore) UpdateProbeSent(ctx context.Context, key types.DeviceKey, sentAt time.Time, probeID string) error {
	return s.mutate(ctx, key, func(d *types.Device) error {
		d.LastProbeSentAt = timePtr(sentAt)
		d.LastProbeID = probeID
		return nil
	})
}

// UpdateLiveness implements Registry
func (s *MemoryStore) UpdateLiveness(ctx context.Context, key types.DeviceKey, from, to types.LivenessState, blockedAt *time.Time) error {
	return s.mutate(ctx, key, func(d *types.Device) error {
		if err := canTransition(d.LivenessState, from, to, blockedAt); err != nil {
			return err
		}
		d.LivenessState = to
		if to == types.StateBlocked && d.BlockedAt == nil {
			d.BlockedAt = timePtr(*blockedAt)
		}
		return nil
	})
}

// InvalidateChannel implements Registry
func (s *MemoryStore) InvalidateChannel(ctx context.Context, key types.DeviceKey, at time.Time) error {
	return s.mutate(ctx, key, func(d *types.Device) error {
		d.ChannelInvalid = true
		d.ChannelInvalidAt = timePtr(at)
		return nil
	})
}

// RecordResponse implements Registry
func (s *MemoryStore) RecordResponse(ctx context.Context, key types.DeviceKey, at time.Time) error {
	return s.mutate(ctx, key, func(d *types.Device) error {
		d.LastProbeRespondedAt = timePtr(at)
		return nil
	})
}

// RecordHeartbeat implements Registry
func (s *MemoryStore) RecordHeartbeat(ctx context.Context, key types.DeviceKey, at time.Time) error {
	return s.mutate(ctx, key, func(d *types.Device) error {
		d.LastHeartbeatAt = timePtr(at)
		return nil
	})
}

// ClearBlock implements Registry
func (s *MemoryStore) ClearBlock(ctx context.Context, key types.DeviceKey) error {
	return s.mutate(ctx, key, func(d *types.Device) error {
		if d.LivenessState != types.StateBlocked {
			return ErrStateConflict
		}
		d.LivenessState = types.StateUnknown
		d.BlockedAt = nil
		d.LastProbeSentAt = nil
		d.LastProbeID = ""
		return nil
	})
}

func (s *MemoryStore) mutate(ctx context.Context, key types.DeviceKey, fn func(*types.Device) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.lookup(key)
	if err != nil {
		return err
	}
	return fn(d)
}

// lookup must be called with the lock held
func (s *MemoryStore) lookup(key types.DeviceKey) (*types.Device, error) {
	f, ok := s.families[key.FamilyID]
	if !ok {
		return nil, fmt.Errorf("%w: family %s", ErrNotFound, key.FamilyID)
	}
	for i := range f.Devices {
		if f.Devices[i].ID == key.DeviceID {
			return &f.Devices[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
}

func copyFamily(f types.Family) types.Family {
	cp := f
	cp.GuardianChannels = append([]string(nil), f.GuardianChannels...)
	cp.PartnerChannels = append([]string(nil), f.PartnerChannels...)
	cp.Devices = make([]types.Device, len(f.Devices))
	for i, d := range f.Devices {
		cp.Devices[i] = copyDevice(d)
	}
	return cp
}

func copyDevice(d types.Device) types.Device {
	cp := d
	cp.ChannelInvalidAt = copyTime(d.ChannelInvalidAt)
	cp.LastProbeSentAt = copyTime(d.LastProbeSentAt)
	cp.LastProbeRespondedAt = copyTime(d.LastProbeRespondedAt)
	cp.LastHeartbeatAt = copyTime(d.LastHeartbeatAt)
	cp.BlockedAt = copyTime(d.BlockedAt)
	return cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return timePtr(*t)
}

func timePtr(t time.Time) *time.Time {
	return &t
}
