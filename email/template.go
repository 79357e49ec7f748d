package email

const verificationEmailSubject = "Confirm your release notification subscription"
const verificationEmailTemplate = `
Hey there!

Someone, hopefully you, asked to receive release notifications from the portal at this address. To confirm, visit

 %[1]s

If this wasn't you, you can ignore this email and you won't hear from us again.

You can change which releases you hear about, or unsubscribe, at any time from %[2]s.
`

const managementEmailSubject = "Manage your release notification subscription"
const managementEmailTemplate = `
Hey there!

Here is the link to manage your release notification subscription:

 %[1]s

From there you can pick which release tags you want to hear about, or unsubscribe entirely. The link stays valid until you request a new one.

If you didn't ask for this link, you can ignore this email. Nothing changes unless the link is used.
`
