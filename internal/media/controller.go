package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/altavoz-cl/altavoz/internal/ari"
	"github.com/altavoz-cl/altavoz/internal/phase"
	"github.com/altavoz-cl/altavoz/internal/snoop"
)

// PBX is the slice of the stasis REST surface the controller drives.
// *ari.Client implements it; tests substitute a mock.
type PBX interface {
	SnoopChannel(ctx context.Context, parentID, snoopID, linkedID string) (*ari.Channel, error)
	ExternalMedia(ctx context.Context, channelID, linkedID, externalHost string) (*ari.Channel, error)
	BridgeCreate(ctx context.Context, bridgeID string) (*ari.Bridge, error)
	BridgeDestroy(ctx context.Context, bridgeID string) error
	BridgeAddChannel(ctx context.Context, bridgeID, channelID string) error
	BridgeRemoveChannel(ctx context.Context, bridgeID, channelID string) error
	ChannelGet(ctx context.Context, channelID string) (*ari.Channel, error)
	ChannelHangup(ctx context.Context, channelID string) error
}

var _ PBX = (*ari.Client)(nil)

// ErrTeardownDenied means the current phase forbids destroying the media
// plane. Stasis end overrides it with force.
var ErrTeardownDenied = errors.New("media: teardown denied by phase contract")

// ErrAudioNotReady means the snoop contract did not reach READY in time.
var ErrAudioNotReady = errors.New("media: audio-ready gate timed out")

// ErrSTTBlockedSnoopWaiting means listening was refused because the snoop
// contract is still waiting for its stasis confirmation. The caller must
// wait and retry; recreating the snoop is forbidden in this state.
var ErrSTTBlockedSnoopWaiting = errors.New("media: STT_BLOCKED_SNOOP_WAITING_AST")

// callMedia is the per-call mutable bookkeeping the controller keeps in
// process: the UDP socket owner and the response cancel hook.
type callMedia struct {
	tap            *UDPTap
	cancelResponse func()
}

// Controller builds and tears down the per-call media plane in the order the
// PBX requires, consulting the snoop contract and the phase contract.
type Controller struct {
	pbx      PBX
	snoops   *snoop.Store
	contract *phase.Contract
	backoff  ari.Backoff
	log      *slog.Logger

	mu    sync.Mutex
	calls map[string]*callMedia
}

// NewController wires the controller. backoff governs the bridge addChannel
// retry; pass ari.DefaultBackoff in production.
func NewController(pbx PBX, snoops *snoop.Store, contract *phase.Contract, backoff ari.Backoff, log *slog.Logger) *Controller {
	return &Controller{
		pbx:      pbx,
		snoops:   snoops,
		contract: contract,
		backoff:  backoff,
		log:      log,
		calls:    make(map[string]*callMedia),
	}
}

func (c *Controller) call(linkedID string) *callMedia {
	c.mu.Lock()
	defer c.mu.Unlock()
	cm, ok := c.calls[linkedID]
	if !ok {
		cm = &callMedia{}
		c.calls[linkedID] = cm
	}
	return cm
}

// RegisterTap hands the call's UDP socket to the controller so teardown can
// close it in order.
func (c *Controller) RegisterTap(linkedID string, tap *UDPTap) {
	c.call(linkedID).tap = tap
}

// SetResponseCanceler registers the hook that cancels the active STT
// response first during teardown.
func (c *Controller) SetResponseCanceler(linkedID string, fn func()) {
	c.call(linkedID).cancelResponse = fn
}

// EnsureSnoop returns the call's snoop id, creating the snoop channel when
// no active contract exists. A contract in a transitory state means another
// path is already building it: wait, never recreate.
func (c *Controller) EnsureSnoop(ctx context.Context, linkedID, parentChannelID string) (string, error) {
	if existing, err := c.snoops.Get(ctx, linkedID); err == nil && existing.Active() {
		switch existing.State {
		case snoop.Ready, snoop.Consumed:
			return existing.SnoopID, nil
		default:
			c.log.Debug("snoop in transitory state, waiting", "linked_id", linkedID, "state", existing.State)
			if _, err := c.waitContractState(ctx, linkedID, snoop.Ready); err != nil {
				return "", err
			}
			return existing.SnoopID, nil
		}
	} else if err != nil && !errors.Is(err, snoop.ErrNotFound) {
		return "", err
	}

	snoopID := "snoop-" + uuid.NewString()
	if _, err := c.snoops.Create(ctx, linkedID, snoopID, parentChannelID); err != nil {
		return "", err
	}
	if _, err := c.pbx.SnoopChannel(ctx, parentChannelID, snoopID, linkedID); err != nil {
		_ = c.snoops.Destroy(ctx, linkedID)
		return "", fmt.Errorf("media: create snoop: %w", err)
	}
	if _, err := c.snoops.Transition(ctx, linkedID, snoop.Created, snoop.WaitingAst, nil); err != nil {
		return "", err
	}
	return snoopID, nil
}

// ConfirmSnoopStasis is called when the snoop channel's stasis start event
// arrives, correlated by linkedId in the application arguments. It promotes
// the contract to READY.
func (c *Controller) ConfirmSnoopStasis(ctx context.Context, linkedID string) error {
	_, err := c.snoops.Transition(ctx, linkedID, snoop.WaitingAst, snoop.Ready, nil)
	if errors.Is(err, snoop.ErrStateMismatch) {
		// Late or duplicate confirmation; the contract already moved on.
		c.log.Debug("ignoring stasis confirmation", "linked_id", linkedID, "error", err)
		return nil
	}
	return err
}

// SnoopStatus reports the call's media plane without creating anything: the
// snoop id when an active contract exists, and whether a capture bridge is
// recorded on it. Callers use it to decide whether creation permissions are
// even relevant for the current phase.
func (c *Controller) SnoopStatus(ctx context.Context, linkedID string) (snoopID string, active, hasBridge bool) {
	contract, err := c.snoops.Get(ctx, linkedID)
	if err != nil || !contract.Active() {
		return "", false, false
	}
	return contract.SnoopID, true, contract.CaptureBridgeID != ""
}

// EnsureCaptureBridge returns the call's mixing bridge id, creating it on
// first use and recording it in the contract.
func (c *Controller) EnsureCaptureBridge(ctx context.Context, linkedID string) (string, error) {
	contract, err := c.snoops.Get(ctx, linkedID)
	if err != nil {
		return "", err
	}
	if contract.CaptureBridgeID != "" {
		return contract.CaptureBridgeID, nil
	}

	bridgeID := "bridge-" + uuid.NewString()
	if _, err := c.pbx.BridgeCreate(ctx, bridgeID); err != nil {
		return "", fmt.Errorf("media: create capture bridge: %w", err)
	}
	if _, err := c.snoops.Apply(ctx, linkedID, snoop.Patch{CaptureBridgeID: bridgeID}); err != nil {
		return "", err
	}
	return bridgeID, nil
}

// EnsureExternalMedia creates the external media channel pointed at
// udpEndpoint and joins it to the capture bridge, retrying the join while
// the PBX reports recoverable conditions. The snoop itself is attached by
// contract; it is never added to the bridge here.
func (c *Controller) EnsureExternalMedia(ctx context.Context, linkedID, udpEndpoint string) (string, error) {
	contract, err := c.snoops.Get(ctx, linkedID)
	if err != nil {
		return "", err
	}
	if contract.ExternalMediaID != "" {
		return contract.ExternalMediaID, nil
	}
	if contract.CaptureBridgeID == "" {
		return "", fmt.Errorf("media: external media before capture bridge for %s", linkedID)
	}

	externalID := "em-" + uuid.NewString()
	if _, err := c.pbx.ExternalMedia(ctx, externalID, linkedID, udpEndpoint); err != nil {
		return "", fmt.Errorf("media: create external media: %w", err)
	}
	if _, err := c.snoops.Apply(ctx, linkedID, snoop.Patch{ExternalMediaID: externalID}); err != nil {
		return "", err
	}

	err = c.backoff.Do(ctx, func() error {
		return c.pbx.BridgeAddChannel(ctx, contract.CaptureBridgeID, externalID)
	})
	if err != nil {
		return "", fmt.Errorf("media: join external media to bridge: %w", err)
	}

	if _, err := c.snoops.Transition(ctx, linkedID, snoop.Ready, snoop.Consumed, nil); err != nil &&
		!errors.Is(err, snoop.ErrStateMismatch) {
		return "", err
	}
	return externalID, nil
}

// WaitAudioReady blocks until the snoop contract says audio can flow. The
// contract is authoritative; a best-effort channel state query is logged as
// telemetry and never causes a false negative. A timeout while the snoop is
// still in a pre-READY state reports [ErrSTTBlockedSnoopWaiting] so the
// caller knows to wait rather than rebuild.
func (c *Controller) WaitAudioReady(ctx context.Context, linkedID, snoopID string, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if last, err := c.waitContractState(waitCtx, linkedID, snoop.Ready); err != nil {
		if last == snoop.Created || last == snoop.WaitingAst {
			return fmt.Errorf("%w: %s in %s", ErrSTTBlockedSnoopWaiting, linkedID, last)
		}
		return err
	}

	if ch, err := c.pbx.ChannelGet(ctx, snoopID); err != nil {
		c.log.Debug("snoop channel query failed", "linked_id", linkedID, "error", err)
	} else if ch.State == "Down" {
		c.log.Warn("snoop channel reports Down despite READY contract",
			"linked_id", linkedID, "snoop_id", snoopID)
	}
	return nil
}

// waitContractState polls until the contract reaches at least want in the
// lifecycle order. It returns the last state observed, which on timeout
// tells the caller where the contract got stuck.
func (c *Controller) waitContractState(ctx context.Context, linkedID string, want snoop.State) (snoop.State, error) {
	order := map[snoop.State]int{
		snoop.Created: 0, snoop.WaitingAst: 1, snoop.Ready: 2,
		snoop.Consumed: 3, snoop.Releasable: 4, snoop.Destroyed: 5,
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var last snoop.State
	for {
		contract, err := c.snoops.Get(ctx, linkedID)
		if err == nil {
			last = contract.State
			if order[contract.State] >= order[want] && contract.Active() {
				return last, nil
			}
		}
		select {
		case <-ctx.Done():
			return last, fmt.Errorf("%w: %s", ErrAudioNotReady, linkedID)
		case <-ticker.C:
		}
	}
}

// TeardownIfAllowed destroys the call's media plane when the phase contract
// permits it. force skips the check; stasis end always tears down.
//
// Order: cancel active response, close UDP, hang up external media, detach
// and destroy the bridge, then release and destroy the snoop contract. Every
// step is idempotent, so a partial earlier teardown is harmless.
func (c *Controller) TeardownIfAllowed(ctx context.Context, linkedID string, current phase.Phase, force bool) error {
	if !force && !c.contract.IsTeardownAllowed(current) {
		c.log.Warn("teardown denied by phase", "linked_id", linkedID, "phase", current)
		return ErrTeardownDenied
	}

	c.mu.Lock()
	cm := c.calls[linkedID]
	delete(c.calls, linkedID)
	c.mu.Unlock()

	if cm != nil && cm.cancelResponse != nil {
		cm.cancelResponse()
	}
	if cm != nil && cm.tap != nil {
		_ = cm.tap.Close()
	}

	contract, err := c.snoops.Get(ctx, linkedID)
	if err != nil {
		if errors.Is(err, snoop.ErrNotFound) {
			return nil
		}
		return err
	}

	var errs []error
	if contract.ExternalMediaID != "" {
		if err := c.pbx.ChannelHangup(ctx, contract.ExternalMediaID); err != nil {
			errs = append(errs, err)
		}
		if contract.CaptureBridgeID != "" {
			if err := c.pbx.BridgeRemoveChannel(ctx, contract.CaptureBridgeID, contract.ExternalMediaID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if contract.CaptureBridgeID != "" {
		if err := c.pbx.BridgeDestroy(ctx, contract.CaptureBridgeID); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.snoops.Release(ctx, linkedID); err != nil {
		errs = append(errs, err)
	}
	if err := c.snoops.Destroy(ctx, linkedID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
