package k8s

import (
	"context"

	"go.uber.org/zap"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"provisioning-api-go/internal/provisioner"
)

// ingressAnnotations tune the nginx ingress for long-running uploads
var ingressAnnotations = map[string]string{
	"nginx.ingress.kubernetes.io/force-ssl-redirect":    "true",
	"nginx.ingress.kubernetes.io/proxy-body-size":       "300m",
	"nginx.ingress.kubernetes.io/proxy-connect-timeout": "600",
	"nginx.ingress.kubernetes.io/proxy-read-timeout":    "600",
	"nginx.ingress.kubernetes.io/proxy-send-timeout":    "600",
}

// CreateIngressRoute publishes https://<subHost>.<baseHost> and routes it to
// the internal service
func (c *Client) CreateIngressRoute(ctx context.Context, params provisioner.IngressParams) error {
	ns := c.ns(params.Namespace)
	ingress := c.ingressObject(params)

	err := withRetry(func() error {
		_, err := c.clientset.NetworkingV1().Ingresses(ns).Create(ctx, ingress, metav1.CreateOptions{})
		return err
	})
	if err != nil {
		return wrapErr("create", "ingress", ingress.Name, err)
	}

	c.logger.Info("ingress created",
		zap.String("name", ingress.Name),
		zap.String("namespace", ns),
		zap.String("host", ingress.Spec.Rules[0].Host))
	return nil
}

// DeleteIngressRoute deletes the ingress of base name
func (c *Client) DeleteIngressRoute(ctx context.Context, name, namespace string) error {
	ns := c.ns(namespace)
	objName := ingressName(name)

	if err := c.clientset.NetworkingV1().Ingresses(ns).Delete(ctx, objName, metav1.DeleteOptions{}); err != nil {
		return wrapErr("delete", "ingress", objName, err)
	}

	c.logger.Info("ingress deleted", zap.String("name", objName), zap.String("namespace", ns))
	return nil
}

func (c *Client) ingressObject(params provisioner.IngressParams) *networkingv1.Ingress {
	host := params.SubHost + "." + params.BaseHost
	pathType := networkingv1.PathTypePrefix

	annotations := make(map[string]string, len(ingressAnnotations))
	for k, v := range ingressAnnotations {
		annotations[k] = v
	}

	ingress := &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:        ingressName(params.Name),
			Labels:      labels(params.Name),
			Annotations: annotations,
		},
		Spec: networkingv1.IngressSpec{
			Rules: []networkingv1.IngressRule{{
				Host: host,
				IngressRuleValue: networkingv1.IngressRuleValue{
					HTTP: &networkingv1.HTTPIngressRuleValue{
						Paths: []networkingv1.HTTPIngressPath{{
							Path:     "/",
							PathType: &pathType,
							Backend: networkingv1.IngressBackend{
								Service: &networkingv1.IngressServiceBackend{
									Name: serviceName(params.ServiceName),
									Port: networkingv1.ServiceBackendPort{Number: int32(params.ServicePort)},
								},
							},
						}},
					},
				},
			}},
		},
	}

	if c.opts.IngressClass != "" {
		class := c.opts.IngressClass
		ingress.Spec.IngressClassName = &class
	}
	if c.opts.TLSSecret != "" {
		ingress.Spec.TLS = []networkingv1.IngressTLS{{
			Hosts:      []string{host},
			SecretName: c.opts.TLSSecret,
		}}
	}
	return ingress
}
