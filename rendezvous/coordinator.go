package rendezvous

import (
	"fmt"
	"log/slog"

	"github.com/threema-ch/libthreema-go/protoerr"
)

// InitialFrame pairs a path-id with the initial outgoing handshake frame
// the RRD-side constructor produces for it.
type InitialFrame struct {
	PathID uint32
	Frame  []byte
}

// Coordinator owns every candidate path for one rendezvous session, keyed
// by path-id, and enforces the single-winner nomination rule across them.
// It holds no back-references; user-layer data flows out only through
// returned PathResults.
type Coordinator struct {
	logger        *slog.Logger
	ak            AuthenticationKey
	isNominator   bool
	paths         map[uint32]*Path
	nominatedPath *uint32
}

// NewAsRID constructs a coordinator for the initiator role. Every path
// starts in AwaitingHandshake; no initial outgoing frames are produced
// since RID waits for RRD's hello on each path.
func NewAsRID(isNominator bool, ak AuthenticationKey, pids []uint32, logger *slog.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{logger: logger, ak: ak, isNominator: isNominator, paths: make(map[uint32]*Path, len(pids))}
	for _, pid := range pids {
		p, err := newPath(pid, roleRID, ak, isNominator)
		if err != nil {
			return nil, err
		}
		c.paths[pid] = p
	}
	logger.Info("rendezvous coordinator created", "role", "rid", "paths", len(pids))
	return c, nil
}

// NewAsRRD constructs a coordinator for the responder role and returns one
// initial hello frame per path, to be enqueued by the host on each path's
// transport.
func NewAsRRD(isNominator bool, ak AuthenticationKey, pids []uint32, logger *slog.Logger) (*Coordinator, []InitialFrame, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{logger: logger, ak: ak, isNominator: isNominator, paths: make(map[uint32]*Path, len(pids))}
	initial := make([]InitialFrame, 0, len(pids))
	for _, pid := range pids {
		p, err := newPath(pid, roleRRD, ak, isNominator)
		if err != nil {
			return nil, nil, err
		}
		helloFrame, err := p.initialHello()
		if err != nil {
			return nil, nil, err
		}
		c.paths[pid] = p
		initial = append(initial, InitialFrame{PathID: pid, Frame: helloFrame})
	}
	logger.Info("rendezvous coordinator created", "role", "rrd", "paths", len(pids))
	return c, initial, nil
}

func (c *Coordinator) path(pid uint32) (*Path, error) {
	p, ok := c.paths[pid]
	if !ok {
		return nil, &protoerr.InvalidParameter{Reason: fmt.Sprintf("unknown path-id %d", pid)}
	}
	return p, nil
}

// AddChunks feeds received bytes into a path's frame decoder. It is fatal
// (InvalidParameter) to reference an unknown path-id.
func (c *Coordinator) AddChunks(pid uint32, chunks [][]byte) error {
	p, err := c.path(pid)
	if err != nil {
		return err
	}
	for _, chunk := range chunks {
		p.addChunk(chunk)
	}
	return nil
}

// ProcessFrame polls a path for its next ready frame. If the frame carries
// an inferred nomination (this coordinator is not the nominator but the
// peer nominated this path), the coordinator records it here.
func (c *Coordinator) ProcessFrame(pid uint32) (PathResult, error) {
	p, err := c.path(pid)
	if err != nil {
		return PathResult{}, err
	}
	result, err := p.processFrame()
	if err != nil {
		return result, err
	}
	if result.StateUpdate != nil && result.StateUpdate.Kind == StateUpdateNominated {
		if c.nominatedPath != nil {
			p.fail()
			return PathResult{}, &protoerr.InvalidState{
				Reason: fmt.Sprintf("peer nominated path %d but path %d is already nominated", pid, *c.nominatedPath),
			}
		}
		pidCopy := pid
		c.nominatedPath = &pidCopy
		c.logger.Info("peer nominated path", "pid", pid)
	}
	return result, nil
}

// NominatePath nominates the given path, provided this coordinator is the
// nominator and the path is in AwaitingNominate. Only one path may ever be
// nominated across the coordinator's lifetime; a second attempt is a
// fatal InvalidState.
func (c *Coordinator) NominatePath(pid uint32) (PathResult, error) {
	if !c.isNominator {
		return PathResult{}, &protoerr.InvalidState{Reason: "nominate_path called on a non-nominator coordinator"}
	}
	if c.nominatedPath != nil {
		return PathResult{}, &protoerr.InvalidState{Reason: fmt.Sprintf("path %d is already nominated", *c.nominatedPath)}
	}
	p, err := c.path(pid)
	if err != nil {
		return PathResult{}, err
	}
	result, err := p.nominate()
	if err != nil {
		return PathResult{}, err
	}
	pidCopy := pid
	c.nominatedPath = &pidCopy
	c.logger.Info("path nominated", "pid", pid)
	return result, nil
}

// CreateULPFrame encrypts and frames data on the nominated path. Only
// valid once a path has been nominated.
func (c *Coordinator) CreateULPFrame(data []byte) (PathResult, error) {
	if c.nominatedPath == nil {
		return PathResult{}, &protoerr.InvalidState{Reason: "create_ulp_frame called before any path was nominated"}
	}
	p, err := c.path(*c.nominatedPath)
	if err != nil {
		return PathResult{}, err
	}
	frame, err := p.createULPFrame(data)
	if err != nil {
		return PathResult{}, err
	}
	return PathResult{OutgoingFrame: frame}, nil
}

// NominatedPath returns the nominated path-id, if any.
func (c *Coordinator) NominatedPath() (uint32, bool) {
	if c.nominatedPath == nil {
		return 0, false
	}
	return *c.nominatedPath, true
}

// IsNominator reports whether this coordinator was constructed as the
// nominating side.
func (c *Coordinator) IsNominator() bool {
	return c.isNominator
}

// Close zeroes every path's secret key material. Call it when the
// coordinator is discarded, since Go has no destructors to do this
// automatically on drop.
func (c *Coordinator) Close() {
	for _, p := range c.paths {
		p.Close()
	}
	clear(c.ak[:])
}
