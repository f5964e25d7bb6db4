package api

import (
	"net/http"
	"sort"
)

func (s *Server) handleListSources(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.List())
}

// definitionInfo is one named job definition, without credentials.
type definitionInfo struct {
	Name       string   `json:"name"`
	SourceKind string   `json:"source_kind"`
	Paths      []string `json:"paths,omitempty"`
	Include    []string `json:"include,omitempty"`
	Exclude    []string `json:"exclude,omitempty"`
	TimeoutS   int      `json:"timeout_s,omitempty"`
}

// handleListDefinitions lists the configured job definitions. DSNs are
// omitted so credentials never leave the server.
func (s *Server) handleListDefinitions(w http.ResponseWriter, _ *http.Request) {
	defs := s.engine.Definitions()
	infos := make([]definitionInfo, 0, len(defs))
	for _, def := range defs {
		infos = append(infos, definitionInfo{
			Name:       def.Name,
			SourceKind: def.SourceKind,
			Paths:      def.Paths,
			Include:    def.Include,
			Exclude:    def.Exclude,
			TimeoutS:   def.TimeoutS,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	s.writeJSON(w, http.StatusOK, infos)
}
