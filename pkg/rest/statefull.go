package rest

import "github.com/llm-d-incubation/gpu-split-optimizer/pkg/manager"

// A statefull REST server with GET calls plus POST calls that feed the manager
type StateFullServer struct {
	BaseServer
}

// create a statefull REST server
func NewStateFullServer(mgr *manager.Manager) *StateFullServer {
	server := &StateFullServer{
		BaseServer: *NewBaseServer(mgr),
	}
	server.addReadRoutes()

	server.router.POST("/optimize", server.optimize)
	server.router.POST("/gpus", server.setGPUs)
	server.router.POST("/requests", server.addRequest)
	server.router.POST("/batches", server.flushBatches)
	server.router.POST("/batchStats", server.addBatchStats)

	return server
}
