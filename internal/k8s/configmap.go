package k8s

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const gatekeeperConfigKey = "keycloak-gatekeeper.conf"

// gatekeeperConfig is the sidecar's configuration file
type gatekeeperConfig struct {
	DiscoveryURL                  string               `yaml:"discovery-url"`
	ClientID                      string               `yaml:"client-id"`
	ClientSecret                  string               `yaml:"client-secret"`
	EncryptionKey                 string               `yaml:"encryption-key"`
	Listen                        string               `yaml:"listen"`
	UpstreamURL                   string               `yaml:"upstream-url"`
	RedirectionURL                string               `yaml:"redirection-url"`
	IngressEnabled                bool                 `yaml:"ingress.enabled"`
	EnableSecurityFilter          bool                 `yaml:"enable-security-filter"`
	EnableRefreshTokens           bool                 `yaml:"enable-refresh-tokens"`
	EnableSessionCookies          bool                 `yaml:"enable-session-cookies"`
	ServerWriteTimeout            string               `yaml:"server-write-timeout"`
	ServerReadTimeout             string               `yaml:"server-read-timeout"`
	UpstreamResponseHeaderTimeout string               `yaml:"upstream-response-header-timeout"`
	SkipUpstreamTLSVerify         bool                 `yaml:"skip-upstream-tls-verify"`
	SkipOpenIDProviderTLSVerify   bool                 `yaml:"skip-openid-provider-tls-verify"`
	EnableHTTPSRedirection        bool                 `yaml:"enable-https-redirection"`
	PassAuthorizationHeader       bool                 `yaml:"pass-authorization-header"`
	Resources                     []gatekeeperResource `yaml:"resources"`
}

type gatekeeperResource struct {
	URI    string   `yaml:"uri"`
	Groups []string `yaml:"groups"`
}

func (c *Client) gatekeeperConfig(upstreamPort int, ingressURL string) gatekeeperConfig {
	cred := c.opts.Credential
	cfg := gatekeeperConfig{
		DiscoveryURL:                  cred.DiscoveryURL,
		ClientID:                      cred.ClientID,
		ClientSecret:                  cred.ClientSecret,
		EncryptionKey:                 cred.EncryptionKey,
		Listen:                        ":" + strconv.Itoa(c.opts.SidecarPort),
		UpstreamURL:                   "http://127.0.0.1:" + strconv.Itoa(upstreamPort),
		RedirectionURL:                ingressURL,
		IngressEnabled:                true,
		EnableSecurityFilter:          true,
		EnableRefreshTokens:           true,
		ServerWriteTimeout:            "600s",
		ServerReadTimeout:             "600s",
		UpstreamResponseHeaderTimeout: "600s",
		SkipOpenIDProviderTLSVerify:   true,
		EnableHTTPSRedirection:        true,
		PassAuthorizationHeader:       true,
	}
	if cred.AdminGroup != "" {
		cfg.Resources = []gatekeeperResource{{URI: "/admin*", Groups: []string{cred.AdminGroup}}}
	}
	return cfg
}

// CreateCredentialConfig stores the sidecar configuration in a ConfigMap
func (c *Client) CreateCredentialConfig(ctx context.Context, name, namespace string, upstreamPort int, ingressURL string) error {
	ns := c.ns(namespace)
	objName := configMapName(name)

	data, err := yaml.Marshal(c.gatekeeperConfig(upstreamPort, ingressURL))
	if err != nil {
		return fmt.Errorf("marshal gatekeeper config: %w", err)
	}

	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:   objName,
			Labels: labels(name),
		},
		Data: map[string]string{gatekeeperConfigKey: string(data)},
	}

	err = withRetry(func() error {
		_, err := c.clientset.CoreV1().ConfigMaps(ns).Create(ctx, cm, metav1.CreateOptions{})
		return err
	})
	if err != nil {
		return wrapErr("create", "configmap", objName, err)
	}

	c.logger.Info("credential config created",
		zap.String("name", objName),
		zap.String("namespace", ns),
		zap.String("redirection_url", ingressURL))
	return nil
}

// DeleteCredentialConfig deletes the sidecar ConfigMap of base name
func (c *Client) DeleteCredentialConfig(ctx context.Context, name, namespace string) error {
	ns := c.ns(namespace)
	objName := configMapName(name)

	if err := c.clientset.CoreV1().ConfigMaps(ns).Delete(ctx, objName, metav1.DeleteOptions{}); err != nil {
		return wrapErr("delete", "configmap", objName, err)
	}

	c.logger.Info("credential config deleted", zap.String("name", objName), zap.String("namespace", ns))
	return nil
}
