package config

import (
	"fmt"
	"strings"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
)

// MakeConnStr assembles the libpq keyword/value connection string for the
// postgres backend. Host, user and password are SourceRefs so the secrets
// can live in files or the environment next to the deployment.
func MakeConnStr(conf Database) (string, error) {
	host, err := commoncfg.LoadValueFromSourceRef(conf.Host)
	if err != nil {
		return "", fmt.Errorf("loading db host: %w", err)
	}

	user, err := commoncfg.LoadValueFromSourceRef(conf.User)
	if err != nil {
		return "", fmt.Errorf("loading db user: %w", err)
	}

	password, err := commoncfg.LoadValueFromSourceRef(conf.Password)
	if err != nil {
		return "", fmt.Errorf("loading db password: %w", err)
	}

	params := []string{
		"host=" + string(host),
		"port=" + conf.Port,
		"dbname=" + conf.Name,
		"user=" + string(user),
		"password=" + string(password),
	}

	if conf.SSLMode != "" {
		params = append(params, "sslmode="+conf.SSLMode)
	}

	return strings.Join(params, " "), nil
}
