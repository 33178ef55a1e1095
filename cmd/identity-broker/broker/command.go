package broker

import (
	"github.com/spf13/cobra"

	"github.com/openkcm/identity-broker/internal/business"
	"github.com/openkcm/identity-broker/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"serve",
		"Identity Broker server",
		"Serves the public authentication API: begin and confirm endpoints, the JWKS document and the OpenID discovery document.",
		buildInfo,
		cmdutils.RunAsService,
		business.Main,
	)
}
