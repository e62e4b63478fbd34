package settlement

import (
	"github.com/smallbiznis/factura/internal/settlement/repository"
	"github.com/smallbiznis/factura/internal/settlement/service"
	"go.uber.org/fx"
)

var Module = fx.Module("settlement",
	fx.Provide(
		repository.Provide,
		service.NewService,
	),
)
