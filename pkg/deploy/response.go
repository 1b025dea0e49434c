package deploy

import "github.com/acorn-io/acorn-publish/pkg/model"

func (r PublishResult) Response() model.PublishResponse {
	return model.PublishResponse{
		DeploymentID:   r.DeploymentID,
		ArtifactPrefix: r.ArtifactPrefix,
		RoutingUpdated: r.RoutingUpdated,
		RoutingStatus:  string(r.RoutingStatus),
		LiveURL:        r.LiveURL,
		Message:        r.Message,
	}
}

func (r RollbackResult) Response() model.RollbackResponse {
	return model.RollbackResponse{
		RolledBackTo:   r.RolledBackTo,
		ArtifactPrefix: r.ArtifactPrefix,
		RoutingUpdated: r.RoutingUpdated,
		LiveURL:        r.LiveURL,
		Message:        r.Message,
	}
}
