package migrate

import (
	"github.com/spf13/cobra"

	"github.com/openkcm/identity-broker/internal/business"
	"github.com/openkcm/identity-broker/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"migrate",
		"Identity Broker migrations",
		"Applies the postgres store schema.",
		buildInfo,
		cmdutils.RunAsJob,
		business.MigrateMain,
	)
}
