package document

import (
	"github.com/smallbiznis/factura/internal/document/repository"
	"github.com/smallbiznis/factura/internal/document/service"
	"go.uber.org/fx"
)

var Module = fx.Module("document.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
