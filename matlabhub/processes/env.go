package processes

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tomyedwab/matlabproxy/matlabhub/licensing"
)

// EngineEnv holds the values the engine environment is built from.
type EngineEnv struct {
	Base        []string // inherited environment, KEY=VALUE
	Display     string
	Port        int
	EngineRoot  string
	APIKey      string
	LogDir      string
	Licensing   licensing.Info
	AccessToken string // online licensing only
	Diagnostics bool
}

// Build returns the environment for the display and engine processes.
func (e EngineEnv) Build() []string {
	vars := make(map[string]string, len(e.Base)+24)
	for _, kv := range e.Base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}

	vars["MW_CRASH_MODE"] = "native"
	vars["MATLAB_WORKER_CONFIG_ENABLE_LOCAL_PARCLUSTER"] = "true"
	vars["PCT_ENABLED"] = "true"
	vars["DISPLAY"] = e.Display
	vars["HTTP_MATLAB_CLIENT_GATEWAY_PUBLIC_PORT"] = "1"
	vars["MW_CONNECTOR_SECURE_PORT"] = strconv.Itoa(e.Port)
	vars["MW_DOCROOT"] = filepath.Join(e.EngineRoot, "ui", "webgui", "src")
	vars["MWAPIKEY"] = e.APIKey
	vars["MATLAB_LOG_DIR"] = e.LogDir

	switch v := e.Licensing.(type) {
	case *licensing.MHLM:
		vars["MLM_WEB_LICENSE"] = "true"
		vars["MLM_WEB_USER_CRED"] = e.AccessToken
		vars["MLM_WEB_ID"] = v.EntitlementID
		vars["MW_LOGIN_EMAIL_ADDRESS"] = v.EmailAddr
		vars["MW_LOGIN_FIRST_NAME"] = v.FirstName
		vars["MW_LOGIN_LAST_NAME"] = v.LastName
		vars["MW_LOGIN_DISPLAY_NAME"] = v.DisplayName
		vars["MW_LOGIN_USER_ID"] = v.UserID
		vars["MW_LOGIN_PROFILE_ID"] = v.ProfileID
		if _, ok := vars["MHLM_CONTEXT"]; !ok {
			vars["MHLM_CONTEXT"] = "MATLAB_JAVASCRIPT_DESKTOP"
		}
	case licensing.NLM:
		vars["MLM_LICENSE_FILE"] = v.ConnStr
	case nil:
	}

	if e.Diagnostics {
		vars["MW_DIAGNOSTIC_DEST"] = "stdout"
		vars["MW_DIAGNOSTIC_SPEC"] = "connector::http::server=all;connector::lifecycle=all"
	}

	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}
