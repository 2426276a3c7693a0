package middleware

import (
	"fmt"
	"strings"

	"pledgerun/pkg/config"
	"pledgerun/pkg/errutil"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	APIKeyHeader = "X-API-Key"
	RoleKey      = "role"
)

const defaultModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && keyMatch2(r.obj, p.obj) && regexMatch(r.act, p.act)
`

// defaultPolicy grants operators every route and viewers read access.
const defaultPolicy = `
p, operator, /*, (GET)|(POST)|(PUT)|(PATCH)|(DELETE)
p, viewer, /*, GET
g, admin, operator
`

var AuthzModule = fx.Module("authz", fx.Provide(NewAuthorizer))

type Authorizer struct {
	enforcer *casbin.Enforcer
	keys     map[string]string
}

// NewAuthorizer builds the casbin enforcer from ACCESS_CONTROL.MODEL / POLICY, falling
// back to the built-in RBAC model and policy.
func NewAuthorizer(cfg *config.Config) (*Authorizer, error) {
	text := cfg.AccessControl.Model
	if strings.TrimSpace(text) == "" {
		text = defaultModel
	}

	m, err := model.NewModelFromString(text)
	if err != nil {
		return nil, fmt.Errorf("casbin model: %w", err)
	}

	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("casbin enforcer: %w", err)
	}

	policy := cfg.AccessControl.Policy
	if strings.TrimSpace(policy) == "" {
		policy = defaultPolicy
	}
	if err := loadPolicy(e, policy); err != nil {
		return nil, err
	}

	keys := make(map[string]string, len(cfg.AccessControl.APIKeys))
	for k, role := range cfg.AccessControl.APIKeys {
		keys[k] = role
	}

	return &Authorizer{enforcer: e, keys: keys}, nil
}

func loadPolicy(e *casbin.Enforcer, policy string) error {
	for _, line := range strings.Split(policy, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}

		var err error
		switch {
		case parts[0] == "p" && len(parts) == 4:
			_, err = e.AddPolicy(parts[1], parts[2], parts[3])
		case parts[0] == "g" && len(parts) == 3:
			_, err = e.AddGroupingPolicy(parts[1], parts[2])
		default:
			err = fmt.Errorf("malformed policy line %q", line)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Allowed reports whether role may perform method on path.
func (a *Authorizer) Allowed(role, path, method string) (bool, error) {
	return a.enforcer.Enforce(role, path, method)
}

// Require resolves the caller role from the API key header and enforces the policy.
func (a *Authorizer) Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, ok := a.keys[c.GetHeader(APIKeyHeader)]
		if !ok || c.GetHeader(APIKeyHeader) == "" {
			_ = c.Error(errutil.Unauthorized("missing or unknown api key", nil))
			c.Abort()
			return
		}

		allowed, err := a.Allowed(role, c.Request.URL.Path, c.Request.Method)
		if err != nil {
			zap.L().Error("casbin enforce failed", zap.Error(err))
			_ = c.Error(err)
			c.Abort()
			return
		}
		if !allowed {
			_ = c.Error(errutil.Forbidden("role is not allowed to access this resource", nil))
			c.Abort()
			return
		}

		c.Set(RoleKey, role)
		c.Next()
	}
}
