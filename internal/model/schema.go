package model

import (
	"math"

	"github.com/nhle/groupware/internal/record"
)

// Object types carried in the object_type property of backend items.
const (
	ObjectTypeStore    = 1
	ObjectTypeFolder   = 3
	ObjectTypeMessage  = 5
	ObjectTypeMailUser = 6
	ObjectTypeDistList = 8
)

// Message classes of the record types the client understands.
const (
	ClassMail         = "IPM.Note"
	ClassContact      = "IPM.Contact"
	ClassDistList     = "IPM.DistList"
	ClassDistListItem = "IPM.DistListItem"
	ClassAppointment  = "IPM.Appointment"
	ClassTask         = "IPM.Task"
	ClassStickyNote   = "IPM.StickyNote"
)

// IDProperty is the id field shared by every groupware record.
const IDProperty = "entryid"

// Folder describes a mailbox folder in the hierarchy.
var Folder = record.NewDefinition("Folder", IDProperty,
	record.String("entryid"),
	record.String("parent_entryid"),
	record.String("store_entryid"),
	record.String("display_name"),
	record.String("container_class"),
	record.Int("content_count"),
	record.Int("content_unread"),
	record.Bool("has_subfolder"),
	record.Int("access"),
	record.Int("object_type").WithDefault(int64(ObjectTypeFolder)),
).WithDiscriminators("", ObjectTypeFolder)

// Message holds the properties every IPM item carries. It is also the
// fallback for message classes without a dedicated definition.
var Message = record.NewDefinition("IPM", IDProperty,
	record.String("entryid"),
	record.String("parent_entryid"),
	record.String("store_entryid"),
	record.Int("object_type").WithDefault(int64(ObjectTypeMessage)),
	record.String("message_class"),
	record.String("subject"),
	record.Int("message_size"),
	record.Int("message_flags"),
	record.Int("icon_index"),
	record.Date("last_modification_time"),
	record.Date("creation_time"),
	record.Bool("hasattach"),
	record.Int("importance").WithDefault(int64(1)),
	record.Int("sensitivity"),
).WithDiscriminators("IPM", ObjectTypeMessage)

// Mail is an e-mail message.
var Mail = Message.Extend(ClassMail,
	record.String("sender_name"),
	record.String("sender_email_address"),
	record.String("sent_representing_name"),
	record.String("display_to"),
	record.String("display_cc"),
	record.String("display_bcc"),
	record.Date("message_delivery_time"),
	record.Date("client_submit_time"),
	record.Bool("read_receipt_requested"),
	record.Int("flag_status"),
	record.String("body"),
	record.String("html_body"),
	record.Int("attachment_count"),
).WithDiscriminators(ClassMail, ObjectTypeMessage)

// Contact is an address book entry.
var Contact = Message.Extend(ClassContact,
	record.String("display_name"),
	record.String("fileas"),
	record.String("given_name"),
	record.String("surname"),
	record.String("company_name"),
	record.String("email_address_1"),
	record.String("email_address_2"),
	record.String("business_telephone_number"),
	record.String("mobile_telephone_number"),
	record.Date("birthday"),
).WithDiscriminators(ClassContact, ObjectTypeMessage)

// DistListMember is one entry of a distribution list. Members are either
// contacts, plain addresses or nested distribution lists.
var DistListMember = record.NewDefinition(ClassDistListItem, IDProperty,
	record.String("entryid"),
	record.String("display_name"),
	record.String("email_address"),
	record.String("address_type").WithDefault("SMTP"),
	record.Int("object_type").WithDefault(int64(ObjectTypeMailUser)),
	record.Int("distlist_type"),
).WithDiscriminators(ClassDistListItem, ObjectTypeMailUser)

// DistList is a distribution list with its member sub-store.
var DistList = Message.Extend(ClassDistList,
	record.String("display_name"),
	record.String("fileas"),
	record.Records("members", DistListMember),
).WithDiscriminators(ClassDistList, ObjectTypeDistList)

// Appointment is a calendar item.
var Appointment = Message.Extend(ClassAppointment,
	record.Date("startdate"),
	record.Date("duedate"),
	record.Date("commonstart"),
	record.Date("commonend"),
	record.Bool("alldayevent"),
	record.String("location"),
	record.Int("busystatus").WithDefault(int64(2)),
	record.Int("duration"),
	record.Bool("recurring"),
	record.Int("reminder_minutes").WithDefault(int64(15)),
	record.Bool("reminder"),
	record.String("body"),
).WithDiscriminators(ClassAppointment, ObjectTypeMessage)

// Task is a to-do item. percent_complete is a fraction in [0, 1].
var Task = Message.Extend(ClassTask,
	record.Date("startdate"),
	record.Date("duedate"),
	record.Date("date_completed"),
	record.Bool("complete"),
	record.Float("percent_complete"),
	record.Int("status"),
	record.String("owner"),
	record.String("body"),
).WithDiscriminators(ClassTask, ObjectTypeMessage)

// StickyNote is a free-form note with a color.
var StickyNote = Message.Extend(ClassStickyNote,
	record.Int("icon_index").WithDefault(int64(771)),
	record.String("body"),
	record.Int("color").WithDefault(int64(3)),
).WithDiscriminators(ClassStickyNote, ObjectTypeMessage)

// NewRegistry returns a registry holding every groupware definition.
// Generic IPM items resolve to Message through its class prefix, and
// items that carry only an object type resolve through that.
func NewRegistry() *record.Registry {
	reg := record.NewRegistry().MustRegister(
		Folder,
		Message,
		Mail,
		Contact,
		DistList,
		DistListMember,
		Appointment,
		Task,
		StickyNote,
	)
	reg.RegisterObjectType(ObjectTypeMessage, Message)
	reg.RegisterObjectType(ObjectTypeDistList, DistList)
	reg.RegisterObjectType(ObjectTypeMailUser, DistListMember)
	return reg
}

// SetTaskProgress records task progress as done/total, clamped to [0, 1].
// A ratio that is not finite, such as one over a zero total, is rejected
// before it reaches the record.
func SetTaskProgress(r *record.Record, done, total float64) error {
	ratio := done / total
	if math.IsNaN(ratio) || math.IsInf(ratio, 0) {
		return &record.ValidationError{
			Field: "percent_complete", Value: ratio, Reason: "not a finite number",
		}
	}
	ratio = math.Max(0, math.Min(1, ratio))
	return r.SetValues(map[string]any{
		"percent_complete": ratio,
		"complete":         ratio >= 1,
	})
}
