package cluster

import (
	certmanagerv1 "github.com/cert-manager/cert-manager/pkg/apis/certmanager/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	sitesv1alpha1 "github.com/numtide/site-controller/api/v1alpha1"
	"github.com/numtide/site-controller/pkg/names"
	"github.com/numtide/site-controller/pkg/util/metadata"
)

const (
	// DefaultIssuerKind is used when Options.IssuerKind is empty.
	DefaultIssuerKind = "ClusterIssuer"

	certManagerGroup = "cert-manager.io"
)

// BuildCertificate creates the Certificate covering every domain of the site.
// The issued key pair lands in the names.CertificateSecret Secret of the site
// namespace.
func BuildCertificate(site *sitesv1alpha1.Site, opts Options) *certmanagerv1.Certificate {
	kind := opts.IssuerKind
	if kind == "" {
		kind = DefaultIssuerKind
	}

	cert := &certmanagerv1.Certificate{
		ObjectMeta: metav1.ObjectMeta{
			Name:      names.CertificateName,
			Namespace: site.Namespace,
			Labels:    metadata.BuildStandardLabels(site, metadata.ComponentCertificate),
		},
		Spec: certmanagerv1.CertificateSpec{
			SecretName: names.CertificateSecret,
			CommonName: site.Domains.Primary,
			DNSNames:   site.Domains.Hosts(),
		},
	}
	cert.Spec.IssuerRef.Name = site.TLS.Issuer
	cert.Spec.IssuerRef.Kind = kind
	cert.Spec.IssuerRef.Group = certManagerGroup
	return cert
}
