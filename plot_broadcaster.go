package mpptdbg

import (
	"context"
	"runtime/trace"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// A PlotSink that fans frames out to every connected viewer (one channel per
// websocket connection).
type PlotBroadcaster struct {
	mutex sync.Mutex

	// These are channels from open websockets where we are sending messages to.
	// Channels should be buffered. A full channel drops the message rather than
	// blocking the plot loop; frames are complete snapshots, so the next one
	// supersedes it anyway.
	channelsForLiveUpdate []chan<- WSMessage

	// The most recent frame of every variable that is currently plotting. Sent
	// to channels upon registration so a new viewer does not start blank.
	latestFrames map[string]WSMessage
	seriesIDs    map[string]uint32

	numFramesEmitted int
	numFramesDropped int

	logger logrus.FieldLogger
}

func NewPlotBroadcaster() *PlotBroadcaster {
	return &PlotBroadcaster{
		mutex:                 sync.Mutex{},
		channelsForLiveUpdate: make([]chan<- WSMessage, 0),
		latestFrames:          make(map[string]WSMessage),
		seriesIDs:             make(map[string]uint32),
		logger:                logrus.WithField("tag", "PlotBroadcaster"),
	}
}

func (b *PlotBroadcaster) Draw(ctx context.Context, frame Frame) error {
	traceCtx, task := trace.NewTask(ctx, "PlotBroadcasterDraw")
	defer task.End()

	msg := NewWSMessage(MessageTypeFrame, NewFrameMessage(frame))

	trace.WithRegion(traceCtx, "Lock", b.mutex.Lock)
	defer b.mutex.Unlock()

	b.logger.WithFields(logrus.Fields{
		"label":   frame.Spec.Label,
		"samples": len(frame.Samples),
	}).Debug("new frame")

	b.latestFrames[frame.Spec.Label] = msg
	b.seriesIDs[frame.Spec.Label] = uint32(frame.SeriesID)
	b.numFramesEmitted++

	trace.WithRegion(traceCtx, "Broadcast", func() {
		b.broadcastLocked(msg)
	})

	return nil
}

// Tells every viewer the plot for label stopped and forgets its last frame.
// Does nothing for a label that never drew a frame.
func (b *PlotBroadcaster) Close(label string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	seriesID, known := b.seriesIDs[label]
	if !known {
		return
	}

	delete(b.latestFrames, label)
	delete(b.seriesIDs, label)

	b.logger.WithFields(logrus.Fields{
		"label":            label,
		"numFramesEmitted": b.numFramesEmitted,
	}).Info("plot stopped")

	b.broadcastLocked(NewWSMessage(MessageTypePlotStopped, PlotStoppedMessage{
		SeriesID: seriesID,
		Label:    label,
	}))
}

// Register a new channel. Called from the HTTP server when a new websocket
// connection is initiated.
//
// The latest frame of every active plot is pushed to the channel before it is
// added to the live update list, under the same lock Draw takes, so the viewer
// cannot miss a frame between the two.
func (b *PlotBroadcaster) RegisterChannel(ctx context.Context, c chan<- WSMessage) {
	traceCtx, task := trace.NewTask(ctx, "RegisterChannel")
	defer task.End()

	trace.WithRegion(traceCtx, "Lock", b.mutex.Lock)
	defer b.mutex.Unlock()

	trace.WithRegion(traceCtx, "pushLatestFramesToChannel", func() {
		for _, msg := range b.latestFrames {
			b.sendLocked(c, msg)
		}
	})

	b.channelsForLiveUpdate = append(b.channelsForLiveUpdate, c)

	b.logger.WithFields(logrus.Fields{
		"newChannel": c,
		"channels":   len(b.channelsForLiveUpdate),
	}).Info("registered channel")
}

// Deregister a channel. Called when a websocket client disconnects. The channel
// must not be closed before this returns.
func (b *PlotBroadcaster) DeregisterChannel(ctx context.Context, c chan<- WSMessage) {
	traceCtx, task := trace.NewTask(ctx, "DeregisterChannel")
	defer task.End()

	trace.WithRegion(traceCtx, "Lock", b.mutex.Lock)
	defer b.mutex.Unlock()

	b.channelsForLiveUpdate = Filter(b.channelsForLiveUpdate, func(channel chan<- WSMessage) bool {
		return channel != c
	})

	b.logger.WithFields(logrus.Fields{
		"removedChannel": c,
		"channels":       len(b.channelsForLiveUpdate),
	}).Info("deregistered channel")
}

// Sorted labels that currently have a cached frame, i.e. are plotting.
func (b *PlotBroadcaster) ActiveLabels() []string {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	labels := maps.Keys(b.latestFrames)
	slices.Sort(labels)
	return labels
}

func (b *PlotBroadcaster) broadcastLocked(msg WSMessage) {
	for _, c := range b.channelsForLiveUpdate {
		b.sendLocked(c, msg)
	}
}

func (b *PlotBroadcaster) sendLocked(c chan<- WSMessage, msg WSMessage) {
	select {
	case c <- msg:
	default:
		b.numFramesDropped++
		b.logger.WithFields(logrus.Fields{
			"channel":      c,
			"type":         msg.Header.Type,
			"droppedSoFar": b.numFramesDropped,
		}).Warn("viewer channel full, dropping message")
	}
}
