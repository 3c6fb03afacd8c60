package common

const (
	ComponentHistoricalSync = "historical-sync"
	ComponentRealtimeSync   = "realtime-sync"
	ComponentAggregator     = "aggregator"
	ComponentPipeline       = "pipeline"
	ComponentRPCClient      = "rpc-client"
	ComponentQueryAPI       = "query-api"
	ComponentStore          = "store"
	ComponentMaintenance    = "maintenance"
)

var AllComponents = map[string]struct{}{
	ComponentHistoricalSync: {},
	ComponentRealtimeSync:   {},
	ComponentAggregator:     {},
	ComponentPipeline:       {},
	ComponentRPCClient:      {},
	ComponentQueryAPI:       {},
	ComponentStore:          {},
	ComponentMaintenance:    {},
}
