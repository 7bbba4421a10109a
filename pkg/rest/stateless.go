package rest

import "github.com/llm-d-incubation/gpu-split-optimizer/pkg/manager"

// A read-only REST server with GET API calls only
type StateLessServer struct {
	BaseServer
}

// create a stateless REST server
func NewStateLessServer(mgr *manager.Manager) *StateLessServer {
	server := &StateLessServer{
		BaseServer: *NewBaseServer(mgr),
	}
	server.addReadRoutes()
	return server
}

func (server *BaseServer) addReadRoutes() {
	server.router.GET("/placement", server.getPlacement)
	server.router.GET("/context", server.getContext)
	server.router.GET("/gpus", server.getGPUs)
	server.router.GET("/gpus/:id", server.getGPU)
	server.router.GET("/pending", server.getPending)
	server.router.GET("/bucket/:length", server.getBucket)
}
