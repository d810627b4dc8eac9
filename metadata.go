package mpptdbg

// Describes the plots a viewer may receive. Sent as JSON on /metadata and as
// the first message of every websocket connection.
type Metadata struct {
	// Indexed by the SeriesID carried in FRAME messages.
	Variables []VariableSpec

	// Number of samples in every frame, at most.
	PlotWindow int

	PlotIntervalMs int64
}

func NewMetadata(store *TrackerStore, plotWindow int, plotIntervalMs int64) Metadata {
	return Metadata{
		Variables:      store.Specs(),
		PlotWindow:     plotWindow,
		PlotIntervalMs: plotIntervalMs,
	}
}
