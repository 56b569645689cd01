package i18n

import (
	"strings"
	"sync/atomic"
)

const (
	LocaleEnglish = "en"
	LocalePersian = "fa"
)

var locale atomic.Value

// SetLocale selects the language Translate returns. Unknown locales fall back to
// English, which returns messages unchanged.
func SetLocale(l string) {
	l = strings.ToLower(strings.TrimSpace(l))
	if l != LocalePersian {
		l = LocaleEnglish
	}
	locale.Store(l)
}

func Locale() string {
	if l, ok := locale.Load().(string); ok {
		return l
	}
	return LocalePersian
}

var translations = map[string]string{
	"invalid request":                        "درخواست نامعتبر است",
	"missing authorization token":            "توکن احراز هویت ارسال نشده است",
	"invalid token":                          "توکن نامعتبر است",
	"unauthorized":                           "دسترسی غیرمجاز",
	"not found":                              "یافت نشد",
	"chat not found":                         "گفتگو یافت نشد",
	"message not found":                      "پیام یافت نشد",
	"not a member of this chat":              "شما عضو این گفتگو نیستید",
	"file is required":                       "فایل الزامی است",
	"file not found":                         "فایل یافت نشد",
	"file must be an image":                  "فایل باید تصویر باشد",
	"failed to save file":                    "خطا در ذخیره فایل",
	"failed to search users":                 "خطا در جستجوی کاربران",
	"failed to fetch users":                  "خطا در دریافت کاربران",
	"websocket upgrade failed":               "خطا در برقراری اتصال وب سوکت",
	"rate limiter error":                     "خطا در محدودسازی درخواست ها",
	"rate limit exceeded":                    "تعداد درخواست ها بیش از حد مجاز است",
	"internal server error":                  "خطای داخلی سرور",
	"message failed to send":                 "ارسال پیام ناموفق بود",
	"Sent an image":                          "یک تصویر ارسال شد",
	"This email is already in use":           "این ایمیل قبلا ثبت شده است",
	"Wrong credentials!":                     "اطلاعات ورود اشتباه است!",
	"Something went wrong.":                  "مشکلی پیش آمد.",
	"You are not signed in":                  "شما وارد نشده اید",
	"password must be at least 6 characters": "رمز عبور باید حداقل ۶ کاراکتر باشد",
	"firstName is required":                  "نام الزامی است",
	"lastName is required":                   "نام خانوادگی الزامی است",
	"text must not be blank":                 "متن پیام نمی تواند خالی باشد",
	"users must not be empty":                "حداقل یک شرکت کننده الزامی است",
	"chatName is required for group chats":   "نام گروه الزامی است",
	"image must be an image":                 "فایل باید تصویر باشد",
}

var prefixTranslations = map[string]string{
	"remote upload":              "خطا در بارگذاری فایل",
	"remote send_message":        "خطا در ارسال پیام",
	"remote create_chat":         "خطا در ایجاد گفتگو",
	"remote update_chat":         "خطا در به روزرسانی گفتگو",
	"remote update_user":         "خطا در به روزرسانی پروفایل",
	"remote star":                "خطا در ستاره دار کردن پیام",
	"remote unstar":              "خطا در حذف ستاره پیام",
	"remote ":                    "خطا در ارتباط با سرور",
	"image must be smaller than": "حجم تصویر بیش از حد مجاز است",
}

// Translate returns message in the current locale, or message itself when no
// translation exists.
func Translate(message string) string {
	if Locale() != LocalePersian {
		return message
	}
	if translated, ok := translations[message]; ok {
		return translated
	}
	// longest prefix wins
	best, bestLen := "", 0
	for prefix, translated := range prefixTranslations {
		if strings.HasPrefix(message, prefix) && len(prefix) > bestLen {
			best, bestLen = translated, len(prefix)
		}
	}
	if bestLen > 0 {
		return best
	}
	return message
}
