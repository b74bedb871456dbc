package legionconfig

import (
	"bufio"
	"os"
	"strings"
)

// ParseRoles reads a roles file: one role name per line, blank and
// "#"-prefixed lines ignored. Order is preserved (first occurrence) and
// duplicates dropped; context layering relies on this order to make
// same-layer role_defines/role_defaults conflicts deterministic.
func ParseRoles(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	seen := make(map[string]bool)
	var roles []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !seen[line] {
			seen[line] = true
			roles = append(roles, line)
		}
	}
	return roles, scanner.Err()
}

// ActiveRoleSet renders an ordered role slice as a set for TaskSpec.InScope.
func ActiveRoleSet(roles []string) map[string]bool {
	set := make(map[string]bool, len(roles))
	for _, r := range roles {
		set[r] = true
	}
	return set
}
