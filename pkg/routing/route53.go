package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/route53"
	"github.com/aws/aws-sdk-go/service/route53/route53iface"
)

const (
	recordTypeTxt = "TXT"
	// maxTxtString is the length limit of one TXT character-string.
	maxTxtString = 255
	// maxTxtValue is the route53 limit for a whole TXT record value.
	maxTxtValue = 4000
)

// Route53Index keeps each routable name as a TXT record at
// _route.{name}.{zone}. Route53 applies a change batch atomically and
// rejects a DELETE whose record set does not match exactly, so replacing
// DELETE(old)+CREATE(new) is a conditional write keyed on the old value.
type Route53Index struct {
	svc      route53iface.Route53API
	zoneID   string
	zoneName string
	ttl      int64
}

func NewRoute53Index(zoneID string, ttl int64) (*Route53Index, error) {
	s, err := session.NewSession()
	if err != nil {
		return nil, err
	}

	svc := route53.New(s, &aws.Config{
		MaxRetries: aws.Int(3),
	})

	z, err := svc.GetHostedZone(&route53.GetHostedZoneInput{
		Id: aws.String(zoneID),
	})
	if err != nil {
		return nil, err
	}

	return NewRoute53IndexWithClient(svc, aws.StringValue(z.HostedZone.Id), aws.StringValue(z.HostedZone.Name), ttl), nil
}

func NewRoute53IndexWithClient(svc route53iface.Route53API, zoneID, zoneName string, ttl int64) *Route53Index {
	return &Route53Index{
		svc:      svc,
		zoneID:   zoneID,
		zoneName: strings.TrimSuffix(zoneName, "."),
		ttl:      ttl,
	}
}

func (r *Route53Index) Enabled() bool {
	return true
}

func (r *Route53Index) Mode() string {
	return "route53"
}

func (r *Route53Index) recordName(name string) string {
	return "_route." + strings.TrimSuffix(strings.ToLower(name), ".") + "." + r.zoneName + "."
}

func (r *Route53Index) lookup(ctx context.Context, name string) (*route53.ResourceRecordSet, error) {
	fqdn := r.recordName(name)
	out, err := r.svc.ListResourceRecordSetsWithContext(ctx, &route53.ListResourceRecordSetsInput{
		HostedZoneId:    aws.String(r.zoneID),
		StartRecordName: aws.String(fqdn),
		StartRecordType: aws.String(recordTypeTxt),
		MaxItems:        aws.String("1"),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	for _, rrs := range out.ResourceRecordSets {
		if strings.EqualFold(aws.StringValue(rrs.Name), fqdn) && aws.StringValue(rrs.Type) == recordTypeTxt {
			return rrs, nil
		}
	}
	return nil, nil
}

func (r *Route53Index) Get(ctx context.Context, name string) (Entry, error) {
	rrs, err := r.lookup(ctx, name)
	if err != nil {
		return Entry{}, err
	}
	if rrs == nil {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	value := recordValue(rrs)
	return Entry{Key: name, Value: value, Version: value}, nil
}

func (r *Route53Index) Set(ctx context.Context, name, value string) (string, error) {
	txt, err := r.txtValue(name, value)
	if err != nil {
		return "", err
	}
	current, err := r.lookup(ctx, name)
	if err != nil {
		return "", err
	}

	var (
		previous string
		changes  []*route53.Change
	)
	if current != nil {
		previous = recordValue(current)
		changes = append(changes, &route53.Change{
			Action:            aws.String(route53.ChangeActionDelete),
			ResourceRecordSet: current,
		})
	}
	changes = append(changes, r.create(name, txt))

	return previous, r.apply(ctx, name, changes)
}

func (r *Route53Index) CompareAndSet(ctx context.Context, name, expected, value string) error {
	txt, err := r.txtValue(name, value)
	if err != nil {
		return err
	}
	current, err := r.lookup(ctx, name)
	if err != nil {
		return err
	}

	var held string
	if current != nil {
		held = recordValue(current)
	}
	if held != expected {
		return fmt.Errorf("%w: %s points at %q, expected %q", ErrMoved, name, held, expected)
	}
	if held == value {
		return nil
	}

	var changes []*route53.Change
	if current != nil {
		changes = append(changes, &route53.Change{
			Action:            aws.String(route53.ChangeActionDelete),
			ResourceRecordSet: current,
		})
	}
	if value != "" {
		changes = append(changes, r.create(name, txt))
	}
	return r.apply(ctx, name, changes)
}

func (r *Route53Index) create(name, txt string) *route53.Change {
	return &route53.Change{
		Action: aws.String(route53.ChangeActionCreate),
		ResourceRecordSet: &route53.ResourceRecordSet{
			Name: aws.String(r.recordName(name)),
			Type: aws.String(recordTypeTxt),
			TTL:  aws.Int64(r.ttl),
			ResourceRecords: []*route53.ResourceRecord{
				{Value: aws.String(txt)},
			},
		},
	}
}

func (r *Route53Index) txtValue(name, value string) (string, error) {
	txt := quoteTxt(value)
	if len(txt) > maxTxtValue {
		return "", fmt.Errorf("route for %s is %d bytes encoded, route53 allows %d", name, len(txt), maxTxtValue)
	}
	return txt, nil
}

func (r *Route53Index) Delete(ctx context.Context, name string) error {
	current, err := r.lookup(ctx, name)
	if err != nil || current == nil {
		return err
	}
	return r.apply(ctx, name, []*route53.Change{{
		Action:            aws.String(route53.ChangeActionDelete),
		ResourceRecordSet: current,
	}})
}

func (r *Route53Index) apply(ctx context.Context, name string, changes []*route53.Change) error {
	_, err := r.svc.ChangeResourceRecordSetsWithContext(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(r.zoneID),
		ChangeBatch: &route53.ChangeBatch{
			Comment: aws.String("route " + name),
			Changes: changes,
		},
	})
	if err == nil {
		return nil
	}

	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch {
		case aerr.Code() == route53.ErrCodePriorRequestNotComplete,
			aerr.Code() == route53.ErrCodeInvalidChangeBatch && staleChange(aerr.Message()):
			return fmt.Errorf("%w: %s: %s", ErrConflict, name, aerr.Message())
		case aerr.Code() == route53.ErrCodeInvalidChangeBatch:
			return fmt.Errorf("route53 rejected the change for %s: %s", name, aerr.Message())
		}
	}
	return fmt.Errorf("%w: failed to change route53 record for %v: %v", ErrUnavailable, name, err)
}

func recordValue(rrs *route53.ResourceRecordSet) string {
	if len(rrs.ResourceRecords) == 0 {
		return ""
	}
	return unquoteTxt(aws.StringValue(rrs.ResourceRecords[0].Value))
}

// staleChange reports whether an InvalidChangeBatch message means the record
// no longer matched what was read, as opposed to a malformed change.
func staleChange(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "not found") ||
		strings.Contains(msg, "do not match") ||
		strings.Contains(msg, "already exists")
}

// quoteTxt encodes value as quoted character-strings of at most 255 bytes.
func quoteTxt(value string) string {
	var b strings.Builder
	for {
		n := len(value)
		if n > maxTxtString {
			n = maxTxtString
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteByte('"')
		b.WriteString(value[:n])
		b.WriteByte('"')
		value = value[n:]
		if value == "" {
			return b.String()
		}
	}
}

// unquoteTxt joins the character-strings of a TXT value.
func unquoteTxt(value string) string {
	if !strings.HasPrefix(value, "\"") {
		return value
	}
	var (
		b      strings.Builder
		quoted bool
	)
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch {
		case quoted && c == '\\' && i+1 < len(value):
			i++
			b.WriteByte(value[i])
		case c == '"':
			quoted = !quoted
		case quoted:
			b.WriteByte(c)
		}
	}
	return b.String()
}
