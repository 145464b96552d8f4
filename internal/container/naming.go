package container

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	KernelPrefix  = "cpkernel_"
	RuntimePrefix = "cpruntime_"

	LabelSession = "codepod.session"
	LabelLang    = "codepod.lang"
	LabelRole    = "codepod.role"

	RoleKernel  = "kernel"
	RoleRuntime = "runtime"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ValidateSessionID rejects ids that cannot appear in a docker container name.
func ValidateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}

// KernelContainerName names the kernel container for (sessionID, lang). The
// default language keeps the bare cpkernel_<session> form.
func KernelContainerName(sessionID, lang, defaultLang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" || lang == strings.ToLower(strings.TrimSpace(defaultLang)) {
		return KernelPrefix + sessionID
	}
	return KernelPrefix + sessionID + "_" + lang
}

func RuntimeContainerName(sessionID string) string {
	return RuntimePrefix + sessionID
}

// SessionLabels are the labels stamped on every container owned by a session.
func SessionLabels(sessionID, lang, role string) map[string]string {
	labels := map[string]string{
		LabelSession: sessionID,
		LabelRole:    role,
	}
	if lang != "" {
		labels[LabelLang] = lang
	}
	return labels
}
