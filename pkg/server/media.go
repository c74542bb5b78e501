package server

import (
	"os"
	"sort"
	"syscall"

	"github.com/collie-store/collie/pkg/ops"
	"github.com/collie-store/collie/pkg/status"
)

// diskSpace reads the filesystem totals behind path.
func diskSpace(path string) (total, free uint64) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, 0
	}
	bsize := uint64(st.Bsize)
	return st.Blocks * bsize, st.Bavail * bsize
}

// PlugMedia attaches storage media and re-advertises capacity.
func (n *Node) PlugMedia(paths []string) status.Code {
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil || !fi.IsDir() {
			return status.InvalidParms
		}
	}
	n.mu.Lock()
	for _, p := range paths {
		n.media[p] = struct{}{}
	}
	n.mu.Unlock()
	return n.Reweight()
}

// UnplugMedia detaches media and re-advertises capacity.
func (n *Node) UnplugMedia(paths []string) status.Code {
	n.mu.Lock()
	for _, p := range paths {
		if _, ok := n.media[p]; !ok {
			n.mu.Unlock()
			return status.InvalidParms
		}
	}
	for _, p := range paths {
		delete(n.media, p)
	}
	n.mu.Unlock()
	return n.Reweight()
}

// MediaInfo reports the attached media and their usage.
func (n *Node) MediaInfo() []ops.MediaInfo {
	n.mu.RLock()
	paths := make([]string, 0, len(n.media))
	for p := range n.media {
		paths = append(paths, p)
	}
	n.mu.RUnlock()
	sort.Strings(paths)

	out := make([]ops.MediaInfo, 0, len(paths))
	for _, p := range paths {
		total, free := diskSpace(p)
		out = append(out, ops.MediaInfo{Path: p, Size: total, Used: total - free})
	}
	return out
}

// Reweight recomputes the advertised capacity and announces it when the
// relative change exceeds the configured epsilon; smaller drifts are not
// worth the epoch advance and data movement a reweight triggers.
func (n *Node) Reweight() status.Code {
	space := n.cfg.Capacity
	for _, m := range n.MediaInfo() {
		space += m.Size
	}

	n.mu.Lock()
	old := n.self.Space
	if old > 0 {
		diff := float64(space) - float64(old)
		if diff < 0 {
			diff = -diff
		}
		if diff/float64(old) < n.cfg.CapacityEpsilon {
			n.mu.Unlock()
			return status.Success
		}
	}
	n.self.Space = space
	self := n.self
	n.mu.Unlock()

	n.logger.Info().Uint64("from", old).Uint64("to", space).Msg("reweighting node")
	if err := n.driver.UpdateNode(self); err != nil {
		n.logger.Error().Err(err).Msg("cannot announce new capacity")
		return status.Again
	}
	return status.Success
}
