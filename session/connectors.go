package session

import "context"

// Connector is a reference target for connectorRef fields.
type Connector struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
	Type       string `json:"type"`
}

// ConnectorSource lists the connectors matching a search query.
type ConnectorSource interface {
	Connectors(ctx context.Context, query string) ([]Connector, error)
}

// ConnectorSourceFunc adapts a function to a ConnectorSource.
type ConnectorSourceFunc func(ctx context.Context, query string) ([]Connector, error)

// Connectors calls f.
func (f ConnectorSourceFunc) Connectors(ctx context.Context, query string) ([]Connector, error) {
	return f(ctx, query)
}

// LookupConnectors queries src and keeps the answer if no newer lookup
// was issued while it ran. It reports whether the answer was kept.
// Lookups may run concurrently with each other and with Apply.
func (s *Session) LookupConnectors(ctx context.Context, src ConnectorSource, query string) ([]Connector, bool, error) {
	req := s.connectors.Issue()

	found, err := src.Connectors(ctx, query)
	if err != nil {
		logger.WithError(err).WithField("query", query).Warn("connector lookup failed")
	}

	kept := s.connectors.Resolve(req, found, err)
	if !kept {
		logger.WithField("query", query).Debug("dropping stale connector lookup")
	}
	return found, kept, err
}
